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

package mira

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process log. Components take named children of it
// ("upload", "assign", "geocode", "http", ...).
var Log = newLogger()

// newLogger tees a human-readable console log on stderr with a JSON log
// streamed to every subscribed websocket (the operator console).
func newLogger() *zap.Logger {
	consoleOut := zapcore.Lock(os.Stderr)
	websocketsOut := zapcore.Lock(zapcore.AddSync(logSubscribers))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
	}
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), consoleOut, zap.DebugLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), websocketsOut, zap.InfoLevel),
	)

	// a large upload logs a lot per second
	const firstNMsgs, everyNthMsg = 10, 100
	core = zapcore.NewSamplerWithOptions(core, time.Second, firstNMsgs, everyNthMsg)

	return zap.New(&unsampledProgressCore{core})
}

// connFanout writes each log line to every subscribed websocket. Write
// errors are ignored except that a connection found to be closed is
// dropped from the pool.
type connFanout struct {
	mu    sync.RWMutex
	conns []*websocket.Conn
}

func (f *connFanout) Write(p []byte) (n int, err error) {
	var closed []*websocket.Conn
	f.mu.RLock()
	for _, conn := range f.conns {
		err = conn.WriteMessage(websocket.TextMessage, p)
		if errors.Is(err, websocket.ErrCloseSent) {
			closed = append(closed, conn)
		}
	}
	f.mu.RUnlock()
	for _, conn := range closed {
		f.remove(conn)
	}
	return len(p), err
}

func (f *connFanout) add(conn *websocket.Conn) {
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
}

func (f *connFanout) remove(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.conns {
		if c == conn {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			return
		}
	}
}

var logSubscribers = new(connFanout)

// AddLogConn subscribes conn to the process log. Remove it with
// RemoveLogConn when it closes.
func AddLogConn(conn *websocket.Conn) { logSubscribers.add(conn) }

// RemoveLogConn unsubscribes conn. It is idempotent.
func RemoveLogConn(conn *websocket.Conn) { logSubscribers.remove(conn) }

// progressLoggerName is the logger that reports upload progress; its
// entries are never sampled so subscribers can track every batch.
const progressLoggerName = "upload.status"

type unsampledProgressCore struct {
	zapcore.Core
}

func (c *unsampledProgressCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.LoggerName == progressLoggerName {
		return ce.AddCore(ent, c)
	}
	return c.Core.Check(ent, ce)
}

func (c *unsampledProgressCore) With(fields []zapcore.Field) zapcore.Core {
	return &unsampledProgressCore{c.Core.With(fields)}
}
