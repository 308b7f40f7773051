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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"
	"github.com/mira-gis/mira/mira"
	"go.uber.org/zap"
)

// dashboard returns the running dashboard.
func (s *server) dashboard() (*mira.Dashboard, error) {
	s.app.dashMu.Lock()
	defer s.app.dashMu.Unlock()
	if s.app.dash == nil {
		return nil, Error{
			Err:        errors.New("dashboard is not running"),
			HTTPStatus: http.StatusServiceUnavailable,
			Message:    "The dashboard is shutting down.",
		}
	}
	return s.app.dash, nil
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return Error{HTTPStatus: http.StatusNotFound}
	}
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	return jsonResponse(w, map[string]any{
		"name":    "MIRA",
		"records": dash.Store.Len(),
		"upload":  dash.Pipeline.Progress(),
		"assign":  dash.Assigner.View().State,
	}, nil)
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	id := strings.TrimPrefix(r.URL.Path, "/preview/")
	rec, ok := dash.Store.Get(id)
	if !ok {
		return Error{
			Err:        fmt.Errorf("%w: %s", mira.ErrNotFound, id),
			HTTPStatus: http.StatusNotFound,
			Message:    "No such media record.",
		}
	}
	f, err := dash.Previews.Open(id)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: httpStatusOf(err, http.StatusInternalServerError),
			Log:        "opening preview",
		}
	}
	defer f.Close()

	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	if rec.Checksum != "" {
		w.Header().Set("Etag", `"`+rec.Checksum+`"`)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": rec.Name}))
	http.ServeContent(w, r, rec.Name, time.Time{}, f)
	return nil
}

func (s *server) handleBuildInfo(w http.ResponseWriter, _ *http.Request) error {
	return jsonResponse(w, s.app.BuildInfo(), nil)
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "upgrading request to websocket",
			Message:    "This endpoint expects a WebSocket client.",
		}
	}
	defer conn.Close()

	// while the client is connected, broadcast the logs to it
	mira.AddLogConn(conn)
	defer mira.RemoveLogConn(conn)

	// simply keep the connection open until the client closes it
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	return nil
}

type mediaResponse struct {
	Records  []mira.MediaRecord `json:"records"`
	Total    int                `json:"total"`
	Groups   []string           `json:"groups"`
	Selected string             `json:"selected,omitempty"`
}

func (s *server) handleMedia(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	filter := payload[mira.Filter](r)
	resp := mediaResponse{
		Records: dash.Store.Filter(*filter),
		Total:   dash.Store.Len(),
		Groups:  dash.Store.Groups(),
	}
	if sel, ok := dash.Store.Selected(); ok {
		resp.Selected = sel.ID
	}
	return jsonResponse(w, resp, nil)
}

func (s *server) handleSelectMedia(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	id := *payload[string](r)
	if id == "" {
		dash.Store.ClearSelection()
		return jsonResponse(w, nil, nil)
	}
	if err := dash.Store.Select(id); err != nil {
		return err
	}
	rec, _ := dash.Store.Get(id)
	return jsonResponse(w, rec, nil)
}

type updateNotePayload struct {
	ID   string `json:"id"`
	Note string `json:"note"`
}

func (s *server) handleUpdateNote(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	p := payload[updateNotePayload](r)
	if err := dash.Store.UpdateNote(p.ID, p.Note); err != nil {
		return err
	}
	rec, _ := dash.Store.Get(p.ID)
	return jsonResponse(w, rec, nil)
}

func (s *server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	ids := *payload[[]string](r)
	if len(ids) == 0 {
		return Error{
			Err:        errors.New("no record IDs"),
			HTTPStatus: http.StatusBadRequest,
			Message:    "Specify which records to delete.",
		}
	}
	deleted := dash.Store.DeleteMany(ids)
	return jsonResponse(w, map[string]int{"deleted": deleted}, nil)
}

func (s *server) handleRecordAddress(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	addr, err := dash.RecordAddress(r.Context(), *payload[string](r))
	return jsonResponse(w, map[string]string{"address": addr}, err)
}

// uploadResponse describes an accepted upload.
type uploadResponse struct {
	Files    int            `json:"files"`
	Ignored  int            `json:"ignored"`
	Progress *mira.Progress `json:"progress,omitempty"`
}

// handleUpload reads the files of a multipart upload (field "files", with
// optional "paths" fields giving each file's path relative to the
// uploaded folder, in the same order) into a temporary folder and ingests
// them in the background. With "?wait=true" it responds after the run.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	if dash.Pipeline.Busy() {
		return Error{
			Err:     mira.ErrRunInProgress,
			Message: "Wait for the current upload to finish, or resolve its cancellation.",
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "reading multipart upload",
			Message:    "Upload files as multipart/form-data.",
		}
	}

	tmpDir, err := os.MkdirTemp("", "mira-upload-")
	if err != nil {
		return fmt.Errorf("creating upload folder: %w", err)
	}

	files, err := readUploadParts(tmpDir, mr)
	if err != nil {
		os.RemoveAll(tmpDir)
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "reading uploaded files",
			Message:    "The upload could not be read.",
		}
	}

	media := 0
	for _, f := range files {
		if mira.KindOf(f.ContentType) != "" {
			media++
		}
	}

	// reserve the pipeline before responding so a concurrent upload is refused
	run, err := dash.Pipeline.Start(files)
	if err != nil {
		os.RemoveAll(tmpDir)
		if errors.Is(err, mira.ErrRunInProgress) {
			return Error{
				Err:     err,
				Message: "Wait for the current upload to finish, or resolve its cancellation.",
			}
		}
		return err
	}

	logger := s.log.With(zap.Int("files", len(files)), zap.Int("media", media))
	ingest := func(ctx context.Context) error {
		defer os.RemoveAll(tmpDir)
		if run == nil {
			return nil
		}
		err := run(ctx)
		if err != nil {
			logger.Error("upload failed", zap.Error(err))
		}
		return err
	}

	resp := uploadResponse{Files: media, Ignored: len(files) - media}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := ingest(r.Context()); err != nil {
			return err
		}
		prog := dash.Pipeline.Progress()
		resp.Progress = &prog
		return jsonResponse(w, resp, nil)
	}

	// the run outlives the request
	go func() { _ = ingest(s.app.ctx) }()

	return writeJSON(w, http.StatusAccepted, resp)
}

// readUploadParts saves each "files" part into dir and returns them as
// upload files. The original names are kept on the records; the saved
// names are only positional.
func readUploadParts(dir string, mr *multipart.Reader) ([]mira.UploadFile, error) {
	var files []mira.UploadFile
	var paths []string

	for i := 0; ; {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch part.FormName() {
		case "paths":
			var sb strings.Builder
			if _, err := io.Copy(&sb, io.LimitReader(part, maxUploadPathLen)); err != nil {
				return nil, err
			}
			paths = append(paths, sb.String())

		case "files":
			name := path.Base(filepath.ToSlash(part.FileName()))
			if name == "" || name == "." || name == "/" {
				name = "file-" + strconv.Itoa(i)
			}
			savedPath := filepath.Join(dir, strconv.Itoa(i))
			size, err := saveUploadPart(savedPath, part)
			if err != nil {
				return nil, err
			}
			files = append(files, mira.UploadFile{
				Name:         name,
				RelativePath: name,
				ContentType:  uploadContentType(part.Header.Get("Content-Type"), savedPath),
				ModTime:      time.Now(),
				Size:         size,
				Open:         func() (io.ReadCloser, error) { return os.Open(savedPath) },
			})
			i++
		}
		part.Close()
	}

	for i := range files {
		if i < len(paths) && strings.TrimSpace(paths[i]) != "" {
			files[i].RelativePath = paths[i]
		}
	}

	return files, nil
}

func saveUploadPart(dst string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// uploadContentType returns declared, unless it is missing or generic, in
// which case the content type is detected from the saved file.
func uploadContentType(declared, savedPath string) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err == nil && mediaType != "" && mediaType != "application/octet-stream" {
		return mediaType
	}
	mtype, err := mimetype.DetectFile(savedPath)
	if err != nil {
		return "application/octet-stream"
	}
	mediaType, _, _ = mime.ParseMediaType(mtype.String())
	return mediaType
}

func (s *server) handleUploadProgress(w http.ResponseWriter, _ *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	return jsonResponse(w, dash.Pipeline.Progress(), nil)
}

type cancelUploadPayload struct {
	// Action is "request" to ask the run to stop before its next batch, or
	// "resolve" to wait for it and keep or remove its records. Without an
	// action, both happen at once.
	Action      string `json:"action,omitempty"`
	KeepPartial bool   `json:"keep_partial,omitempty"`
}

func (s *server) handleCancelUpload(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	p := payload[cancelUploadPayload](r)

	var removed int
	switch p.Action {
	case "request":
		err = dash.Pipeline.RequestCancel()
	case "resolve":
		removed, err = dash.Pipeline.ResolveCancel(r.Context(), p.KeepPartial)
	case "":
		removed, err = dash.Pipeline.Cancel(r.Context(), p.KeepPartial)
	default:
		return Error{
			Err:        fmt.Errorf("unknown action '%s'", p.Action),
			HTTPStatus: http.StatusBadRequest,
			Message:    `The action must be "request" or "resolve".`,
		}
	}
	if err != nil {
		return err
	}
	return jsonResponse(w, map[string]any{
		"removed":  removed,
		"progress": dash.Pipeline.Progress(),
	}, nil)
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) error {
	accept, err := parseAccept(r.Header.Get("Accept"))
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Message:    "Malformed Accept header.",
		}
	}
	if len(accept) > 0 && accept.preference("application/json", "text/plain") == "text/plain" {
		return s.handleReportText(w, r)
	}
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	return jsonResponse(w, dash.Report(), nil)
}

func (s *server) handleReportText(w http.ResponseWriter, _ *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err := mira.RenderReport(buf, dash.Report()); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
	return nil
}

// assignHandler returns a handler that runs op on the assigner and then
// responds with the resulting view of the workflow.
func (s *server) assignHandler(op func(*mira.Assigner, *http.Request) error) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		dash, err := s.dashboard()
		if err != nil {
			return err
		}
		if err := op(dash.Assigner, r); err != nil {
			return err
		}
		return jsonResponse(w, dash.Assigner.View(), nil)
	}
}

func (s *server) handleAssignState(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(*mira.Assigner, *http.Request) error { return nil })(w, r)
}

func (s *server) handleAssignArm(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, _ *http.Request) error { return a.Arm() })(w, r)
}

func (s *server) handleAssignClick(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, r *http.Request) error {
		pt := payload[mira.Point](r)
		return a.MapClick(pt.Lat, pt.Lng)
	})(w, r)
}

func (s *server) handleAssignConfirm(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, _ *http.Request) error { return a.Confirm() })(w, r)
}

func (s *server) handleAssignCancel(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, _ *http.Request) error {
		a.Cancel()
		return nil
	})(w, r)
}

func (s *server) handleAssignOpenEntry(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, _ *http.Request) error { return a.OpenEntry() })(w, r)
}

type assignFieldsPayload struct {
	LatText string `json:"lat_text"`
	LngText string `json:"lng_text"`
}

func (s *server) handleAssignFields(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, r *http.Request) error {
		p := payload[assignFieldsPayload](r)
		return a.SetEntryFields(p.LatText, p.LngText)
	})(w, r)
}

func (s *server) handleAssignPaste(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, r *http.Request) error {
		// text that doesn't look like a coordinate pair is kept but fills nothing
		_, err := a.QuickPaste(*payload[string](r))
		return err
	})(w, r)
}

func (s *server) handleAssignSearch(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, r *http.Request) error {
		return a.SetSearchQuery(*payload[string](r))
	})(w, r)
}

func (s *server) handleAssignSelectResult(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, r *http.Request) error {
		return a.SelectResult(*payload[int](r))
	})(w, r)
}

func (s *server) handleAssignSubmit(w http.ResponseWriter, r *http.Request) error {
	return s.assignHandler(func(a *mira.Assigner, _ *http.Request) error { return a.SubmitEntry() })(w, r)
}

type loginPayload struct {
	Badge    string `json:"badge"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string        `json:"token"`
	Expires  time.Time     `json:"expires"`
	Operator mira.Operator `json:"operator"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	p := payload[loginPayload](r)
	op, err := dash.Users.Authenticate(p.Badge, p.Password)
	if err != nil {
		return Error{
			Err:     err,
			Log:     "login failed",
			Message: "Invalid badge or password, or access revoked.",
		}
	}
	token, expires, err := s.app.sessions.issue(op, time.Now())
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.log.Info("operator logged in", zap.String("operator", op.ID), zap.String("role", string(op.Role)))
	return jsonResponse(w, loginResponse{Token: token, Expires: expires, Operator: op}, nil)
}

func (s *server) handleUsers(w http.ResponseWriter, _ *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	return jsonResponse(w, dash.Users.List(), nil)
}

type addUserPayload struct {
	Name     string    `json:"name"`
	Badge    string    `json:"badge"`
	Password string    `json:"password"`
	Role     mira.Role `json:"role,omitempty"`
}

func (s *server) handleAddUser(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	p := payload[addUserPayload](r)
	role := p.Role
	if role == "" {
		role = mira.RoleOperator
	}
	op, err := dash.Users.Add(p.Name, p.Badge, p.Password, role)
	if err != nil && httpStatusOf(err, 0) == 0 {
		// validation problems
		return Error{Err: err, HTTPStatus: http.StatusBadRequest}
	}
	return jsonResponse(w, op, err)
}

func (s *server) handleToggleUser(w http.ResponseWriter, r *http.Request) error {
	dash, err := s.dashboard()
	if err != nil {
		return err
	}
	op, err := dash.Users.Toggle(*payload[string](r))
	return jsonResponse(w, op, err)
}

// maxUploadPathLen bounds the "paths" fields of an upload.
const maxUploadPathLen = 4096

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true }, // we check Origin earlier
}
