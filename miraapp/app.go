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

// Package miraapp provides the application around the dashboard: the HTTP
// server and its API, the registration of endpoints for the CLI, sessions,
// signals, etc.
package miraapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mira-gis/mira/mira"
	"go.uber.org/zap"
)

// App runs the dashboard behind an HTTP API or, if no server is running,
// runs single commands in-process.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc // shuts down the app

	cfg *Config
	log *zap.Logger

	dashMu sync.Mutex
	dash   *mira.Dashboard

	sessions sessions
	commands map[string]Endpoint

	server *server
}

// New returns a new app. The dashboard is not started until the app
// serves or runs a command in-process.
func New(ctx context.Context, cfg *Config) (*App, error) {
	sess, err := newSessions(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)

	newApp := &App{
		ctx:      ctx,
		cfg:      cfg,
		log:      mira.Log,
		sessions: sess,
	}
	newApp.server = &server{
		app: newApp,
		log: newApp.log.Named("http"),
	}
	newApp.cancel = func() {
		// cancel the context, so anything relying on it knows to terminate
		cancel()

		// gracefully close the HTTP server (let existing requests finish within a timeout)
		if newApp.server.httpServer != nil {
			// use a different context since the one we have has been canceled
			const shutdownTimeout = 10 * time.Second
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = newApp.server.httpServer.Shutdown(shutdownCtx)
		}

		newApp.dashMu.Lock()
		defer newApp.dashMu.Unlock()
		if newApp.dash != nil {
			if err := newApp.dash.Close(); err != nil {
				newApp.log.Error("closing dashboard", zap.Error(err))
			}
			newApp.dash = nil
		}
	}
	newApp.registerCommands()

	appMu.Lock()
	app = newApp
	appMu.Unlock()

	return newApp, nil
}

// openDashboard starts the dashboard if it is not running yet.
func (a *App) openDashboard() (*mira.Dashboard, error) {
	a.dashMu.Lock()
	defer a.dashMu.Unlock()
	if a.dash != nil {
		return a.dash, nil
	}
	dash, err := mira.NewDashboard(a.cfg.dashboardOptions())
	if err != nil {
		return nil, fmt.Errorf("starting dashboard: %w", err)
	}
	a.dash = dash
	return dash, nil
}

// Shutdown stops the server, if running, and the dashboard, deleting
// its previews.
func (a *App) Shutdown() {
	a.cancel()
}

// RunCommand runs the command named by args[0] with the rest of args as
// its arguments, and prints the result to stdout. If a server is running
// (possibly in another process) the command is sent to it; otherwise it
// runs in this process.
func (a *App) RunCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}

	commandName := args[0]

	endpoint, ok := a.commands[commandName]
	if !ok {
		return fmt.Errorf("unrecognized command: %s", commandName)
	}

	running := a.serverRunning()

	// make request body
	var body io.Reader
	contentType := string(endpoint.GetContentType())
	switch endpoint.GetContentType() {
	case Multipart:
		bodyBytes, boundaryType, err := makeMultipart(args[1:])
		if err != nil {
			return err
		}
		body, contentType = bytes.NewReader(bodyBytes), boundaryType
	case JSON:
		bodyBytes, err := makeJSON(args[1:])
		if err != nil {
			return err
		}
		if len(bodyBytes) > 0 {
			body = bytes.NewReader(bodyBytes)
		}
	case None:
	}

	url := "http://" + a.cfg.listenAddr() + apiBasePath + commandName
	if !running && endpoint.GetContentType() == Multipart {
		// the process exits when the command returns
		url += "?wait=true"
	}

	req, err := http.NewRequestWithContext(ctx, endpoint.Method, url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Origin", req.URL.Scheme+"://"+req.URL.Host)
	if a.cfg.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.SessionToken)
	}

	// execute the command; if the server is running in another
	// process already, send the request to it; otherwise send
	// a virtual request directly to the HTTP handler function
	var resp *http.Response
	if running {
		httpClient := &http.Client{Timeout: 1 * time.Minute}
		resp, err = httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("running command on server: %w", err)
		}
	} else {
		if _, err := a.openDashboard(); err != nil {
			return err
		}
		defer a.Shutdown()

		vrw := &virtualResponseWriter{status: http.StatusOK, body: new(bytes.Buffer), header: make(http.Header)}
		if err := endpoint.ServeHTTP(vrw, req); err != nil {
			handleError(vrw, req, err)
		}
		resp = &http.Response{
			StatusCode:    vrw.status,
			Header:        vrw.header,
			Body:          io.NopCloser(vrw.body),
			ContentLength: int64(vrw.body.Len()),
		}
	}
	defer resp.Body.Close()

	if err := printResponse(os.Stdout, resp); err != nil {
		return err
	}

	if resp.StatusCode >= lowestErrorStatus {
		return fmt.Errorf("server returned error: HTTP %d %s",
			resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return nil
}

// printResponse writes the response body to w, pretty-printing JSON.
func printResponse(w io.Writer, resp *http.Response) error {
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	// to pretty-print the JSON, decode it and then re-encode it
	var js any
	if err := json.NewDecoder(resp.Body).Decode(&js); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if js == nil {
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	return enc.Encode(js)
}

// makeMultipart builds an upload body from file and folder paths. Files
// in a folder keep their path relative to the folder's parent, so the
// folder name becomes their group.
func makeMultipart(paths []string) ([]byte, string, error) {
	if len(paths) == 0 {
		return nil, "", errors.New("no files to upload")
	}

	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)

	addFile := func(fsPath, relPath string) error {
		mtype, err := mimetype.DetectFile(fsPath)
		if err != nil {
			return fmt.Errorf("detecting type of %s: %w", fsPath, err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "files",
			"filename": filepath.Base(fsPath),
		}))
		h.Set("Content-Type", mtype.String())
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		f, err := os.Open(fsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(part, f); err != nil {
			return fmt.Errorf("reading %s: %w", fsPath, err)
		}
		return mw.WriteField("paths", relPath)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, "", err
		}
		if !info.IsDir() {
			if err := addFile(p, filepath.Base(p)); err != nil {
				return nil, "", err
			}
			continue
		}
		root := filepath.Clean(p)
		err = filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			rel, err := filepath.Rel(root, fsPath)
			if err != nil {
				return err
			}
			return addFile(fsPath, path.Join(filepath.Base(root), filepath.ToSlash(rel)))
		})
		if err != nil {
			return nil, "", fmt.Errorf("walking %s: %w", p, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// Serve serves the application server only if it is not already running
// (possibly in another process). It returns true if it started the
// application server, or false if it was already running.
func (a *App) Serve() (bool, error) {
	if a.serverRunning() {
		return false, nil
	}
	return true, a.serve()
}

// MustServe starts the server without checking whether one is already
// running.
func (a *App) MustServe() error {
	return a.serve()
}

func (a *App) serve() error {
	if a.server.ln != nil {
		return fmt.Errorf("server already running on %s", a.server.ln.Addr())
	}

	if _, err := a.openDashboard(); err != nil {
		return err
	}

	listenAddr := a.cfg.listenAddr()
	a.server.fillAllowedOrigins(a.cfg.AllowedOrigins, listenAddr) // Host and Origin checks

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	a.server.ln = ln

	a.server.mux = a.routes()

	a.log.Info("started server",
		zap.String("listener", ln.Addr().String()),
		zap.Bool("require_login", a.cfg.RequireLogin))
	a.server.httpServer = &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1024 * 512,
	}

	go func() {
		err := a.server.httpServer.Serve(ln)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			// normal; the listener or server was deliberately closed
			a.log.Info("stopped server", zap.String("listener", ln.Addr().String()))
		} else if err != nil {
			a.log.Error("server failed", zap.String("listener", ln.Addr().String()), zap.Error(err))
		}
	}()

	// don't return until server is actually serving

	// ensure we don't wait longer than a set amount of time
	const maxWait = 30 * time.Second
	ctx, cancel := context.WithTimeout(a.ctx, maxWait)
	defer cancel()

	// since some operating systems sometimes do weird things with
	// port reuse, poll until connection succeeds
	for !a.probe(ctx, ln.Addr().String()) {
		const interval = 250 * time.Millisecond
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// routes returns the handler of every route the server serves.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	addRoute := func(uriPath string, endpoint Endpoint) {
		var h handler = endpoint
		h = a.server.requireSession(endpoint.Access, h)         // operator sessions
		h = a.server.enforceOriginAndMethod(endpoint.Method, h) // simple cross-origin mitigation
		h = a.server.enforceHost(h)                             // simple DNS rebinding mitigation
		mux.Handle(uriPath, wrapErrorHandler(h))
	}

	addRoute("/", Endpoint{
		Method:  http.MethodGet,
		Handler: a.server.handleStatus,
		Access:  public,
	})
	addRoute("/preview/", Endpoint{
		Method:  http.MethodGet,
		Handler: a.server.handlePreview,
	})

	// API endpoints
	for command, endpoint := range a.commands {
		addRoute(apiBasePath+command, endpoint)
	}

	return mux
}

// serverRunning reports whether a MIRA server answers on the configured
// listen address.
func (a *App) serverRunning() bool {
	return a.probe(a.ctx, a.cfg.listenAddr())
}

func (a *App) probe(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.Header.Get("Server") == serverHeader
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version string `json:"version,omitempty"`
	GoOS    string `json:"go_os"`
	GoArch  string `json:"go_arch"`
	Go      string `json:"go_version"`
}

// BuildInfo returns information about this build.
func (a *App) BuildInfo() BuildInfo {
	info := BuildInfo{
		GoOS:   runtime.GOOS,
		GoArch: runtime.GOARCH,
		Go:     runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	return info
}

// virtualResponseWriter is used in virtualized HTTP requests
// where the handler is called directly rather than using a
// network.
type virtualResponseWriter struct {
	status int
	header http.Header
	body   *bytes.Buffer
}

func (vrw *virtualResponseWriter) Header() http.Header {
	return vrw.header
}

func (vrw *virtualResponseWriter) WriteHeader(statusCode int) {
	vrw.status = statusCode
}

func (vrw *virtualResponseWriter) Write(data []byte) (int, error) {
	return vrw.body.Write(data)
}

// The app global instance is used mainly for properly
// shutting down after a signal is received.
var (
	app   *App
	appMu sync.Mutex
)
