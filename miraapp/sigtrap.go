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
	"sync/atomic"

	"github.com/mira-gis/mira/mira"
	"go.uber.org/zap"
)

// TrapSignals create signal handlers for all applicable signals for this system.
func TrapSignals() {
	trapSignalsCrossPlatform()
	trapSignalsPosix()
}

// trapSignalsCrossPlatform captures SIGINT, which triggers a graceful
// shutdown that stops any upload and deletes the previews. A second
// interrupt signal will exit the process immediately.
func trapSignalsCrossPlatform() {
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)

		for i := 0; true; i++ {
			<-sig

			if i > 0 {
				mira.Log.Fatal("SIGINT: force quit")
			}

			mira.Log.Warn("SIGINT: shutting down")
			go shutdown(0)
		}
	}()
}

// shutdown shuts down the app and exits. It is a no-op
// if the process is already exiting.
func shutdown(exitCode int) {
	if !shuttingDown.CompareAndSwap(false, true) {
		return
	}

	appMu.Lock()
	if app != nil {
		app.Shutdown()
	}
	appMu.Unlock()

	_ = mira.Log.Sync()

	os.Exit(exitCode)
}

// shuttingDown is set when the program is shutting down.
var shuttingDown atomic.Bool

// logProgress logs the state of the dashboard, if it is running.
func logProgress() {
	appMu.Lock()
	defer appMu.Unlock()
	if app == nil {
		return
	}
	app.dashMu.Lock()
	defer app.dashMu.Unlock()
	if app.dash == nil {
		mira.Log.Info("dashboard not running")
		return
	}
	prog := app.dash.Pipeline.Progress()
	mira.Log.Info("dashboard status",
		zap.Int("records", app.dash.Store.Len()),
		zap.Bool("upload_active", prog.Active),
		zap.Int("upload_current", prog.Current),
		zap.Int("upload_total", prog.Total),
		zap.String("assign_state", string(app.dash.Assigner.View().State)))
}

// requestUploadCancel asks the running upload, if any, to stop after its
// current batch. The operator still decides what to keep.
func requestUploadCancel() {
	appMu.Lock()
	defer appMu.Unlock()
	if app == nil {
		return
	}
	app.dashMu.Lock()
	defer app.dashMu.Unlock()
	if app.dash == nil {
		return
	}
	if err := app.dash.Pipeline.RequestCancel(); err != nil {
		mira.Log.Info("no upload to cancel", zap.Error(err))
		return
	}
	mira.Log.Warn("upload cancellation requested by signal")
}
