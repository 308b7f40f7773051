/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package miracmd facilitates the command line interface (CLI)
// and implements the main().
package miracmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mira-gis/mira/mira"
	"github.com/mira-gis/mira/miraapp"
	"go.uber.org/zap"
)

// Main runs the program.
func Main() {
	flag.StringVar(&configFile, "config", miraapp.DefaultConfigFilePath(), "path to the JSON config file")
	flag.Parse()

	cfg, err := miraapp.LoadConfig(configFile)
	if err != nil {
		mira.Log.Fatal("failed loading config", zap.Error(err))
	}

	ctx := context.Background()

	app, err := miraapp.New(ctx, cfg)
	if err != nil {
		mira.Log.Fatal("failed to run application", zap.Error(err))
	}

	// implement standard (CLI-only) commands
	subCommand, subCommandFunc := getStandardSubcommand(ctx, app)
	if subCommandFunc != nil {
		if err := checkFlagParsing(subCommand); err != nil {
			mira.Log.Fatal("possible syntax error detected", zap.Error(err))
		}
		if err := subCommandFunc(); err != nil {
			mira.Log.Fatal("subcommand failed",
				zap.String("subcommand", subCommand),
				zap.Error(err))
		}
		return
	}

	// check for registered endpoint (API command)
	if remaining := flag.Args(); len(remaining) > 0 {
		if err := app.RunCommand(ctx, remaining); err != nil {
			mira.Log.Fatal("subcommand failed", zap.Error(err))
		}
		return
	}

	// start the application server, unless it is running already
	miraapp.TrapSignals()
	startedServer, err := app.Serve()
	if err != nil {
		mira.Log.Fatal("could not start server", zap.Error(err))
	}
	if !startedServer {
		mira.Log.Info("server is already running; use commands to talk to it (see 'mira help')")
		return
	}
	select {}
}

// Gets CLI-only commands.
func getStandardSubcommand(ctx context.Context, app *miraapp.App) (string, func() error) {
	standardCommands := map[string]func() error{
		"serve": func() error {
			miraapp.TrapSignals()
			if err := app.MustServe(); err != nil {
				return err
			}
			select {}
		},
		"ingest": func() error {
			return app.Ingest(ctx, flag.Args()[1:], os.Stdout)
		},
		"help": func() error { //nolint:unparam
			fmt.Println(app.CommandLineHelp())
			return nil
		},
		"version": func() error { //nolint:unparam
			fmt.Println(buildVersion())
			return nil
		},
	}

	if len(flag.Args()) > 0 {
		subCommand := flag.Arg(0)
		subCommandFunc, ok := standardCommands[subCommand]
		if ok {
			return subCommand, subCommandFunc
		}
	}
	return "", nil
}

// checkFlagParsing returns an error if it looks like the program may have
// been invoked with its flags in the wrong place, as in
// `mira serve -config dev.json` instead of `mira -config dev.json serve`,
// which would silently ignore the config. It only applies to standard
// commands; API commands take arbitrary flags of their own.
func checkFlagParsing(subCommand string) error {
	if subCommand == "ingest" {
		return nil
	}
	if len(flag.Args()) > 1 && flag.NFlag() == 0 {
		return errors.New("it looks like you intended to specify flags, but none were parsed; make sure flags go before positional arguments")
	}
	return nil
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}

var configFile string

// version can be set at build time with
// -ldflags "-X github.com/mira-gis/mira/cmd.version=v1.2.3".
var version string
