//go:build !windows && !plan9

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

package miraapp

import (
	"os"
	"os/signal"

	"github.com/mira-gis/mira/mira"
	"golang.org/x/sys/unix"
)

// posixSignals maps each POSIX-only signal to its action.
var posixSignals = map[os.Signal]func(){
	unix.SIGTERM: func() {
		mira.Log.Warn("SIGTERM: stopping the dashboard and clearing previews")
		shutdown(0)
	},
	unix.SIGQUIT: func() {
		mira.Log.Warn("SIGQUIT: exiting without cleanup")
		os.Exit(2) //nolint:mnd
	},
	unix.SIGUSR1: logProgress,
	unix.SIGUSR2: requestUploadCancel,
	unix.SIGHUP: func() {
		mira.Log.Info("SIGHUP ignored: configuration is read once at startup")
	},
}

func trapSignalsPosix() {
	sigs := make([]os.Signal, 0, len(posixSignals))
	for sig := range posixSignals {
		sigs = append(sigs, sig)
	}
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	go func() {
		for sig := range sigchan {
			posixSignals[sig]()
		}
	}()
}
