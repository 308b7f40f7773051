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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/mira-gis/mira/mira"
	"go.uber.org/zap"
)

// Error is a JSON-serializable representation of an error.
type Error struct {
	Err             error    `json:"-"`
	HTTPStatus      int      `json:"http_status"`               // recommended HTTP status to send to the client
	Log             string   `json:"-"`                         // optional; for logs, technical context in which the error was produced
	Message         string   `json:"message,omitempty"`         // optional; a human-readable sentence
	Recommendations []string `json:"recommendations,omitempty"` // optional
	Data            any      `json:"data,omitempty"`            // optional; any extra data that should be included or handled specially

	// generated; don't fill these out
	ID        string `json:"id,omitempty"` // for associating log entries
	ErrString string `json:"error"`        // to ensure string serialization
}

func (e Error) Error() string {
	var msg strings.Builder
	if e.Log != "" {
		msg.WriteString(e.Log)
		if e.Err != nil {
			msg.WriteString(": ")
		}
	}
	if e.Err != nil {
		msg.WriteString(e.Err.Error())
	}
	if e.Message != "" {
		msg.WriteString(fmt.Sprintf(" (%s)", e.Message))
	}
	if e.ID != "" {
		msg.WriteString(fmt.Sprintf(" {id=%s}", e.ID))
	}
	return msg.String()
}

func (e Error) Unwrap() error { return e.Err }

// httpStatusOf picks the status for errors that were returned as they
// are by the dashboard.
func httpStatusOf(err error, defaultStatus int) int {
	switch {
	case errors.Is(err, mira.ErrInvalidCoordinates),
		errors.Is(err, mira.ErrNoTarget),
		errors.Is(err, mira.ErrNoSuchResult):
		return http.StatusBadRequest
	case errors.Is(err, mira.ErrNotFound),
		errors.Is(err, mira.ErrOperatorNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, mira.ErrRunInProgress),
		errors.Is(err, mira.ErrNoActiveRun),
		errors.Is(err, mira.ErrNoCancelRequested),
		errors.Is(err, mira.ErrInvalidState),
		errors.Is(err, mira.ErrBadgeTaken),
		errors.Is(err, mira.ErrLastAdmin):
		return http.StatusConflict
	case errors.Is(err, mira.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, mira.ErrOperatorInactive),
		errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	}
	return defaultStatus
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var errVal Error
	if !errors.As(err, &errVal) {
		errVal = Error{Err: err}
	}

	// give this error a unique ID so we can investigate bug reports more easily
	errVal.ID = newErrorID()

	// ensure error is serialized as a string when written to the client
	if errVal.Err == nil {
		errVal.Err = errors.New(http.StatusText(errVal.HTTPStatus))
	}
	errVal.ErrString = errVal.Err.Error()

	// see if we can fill in some default values if they're missing
	if errVal.HTTPStatus == 0 {
		errVal.HTTPStatus = httpStatusOf(errVal.Err, http.StatusInternalServerError)
	}
	if errVal.Message == "" {
		errVal.Message = errVal.Err.Error()
	}
	if errVal.Log == "" {
		errVal.Log = "request failed"
	}
	if errVal.HTTPStatus >= http.StatusInternalServerError {
		errVal.Recommendations = append(errVal.Recommendations,
			"Make any relevant changes, then try again.",
			"If it still doesn't work, report this problem along with this error ID: "+errVal.ID)
	}

	logFn := mira.Log.Named("http").Error
	if errVal.HTTPStatus < http.StatusInternalServerError {
		logFn = mira.Log.Named("http").Warn
	}
	logFn(errVal.Log,
		zap.Error(errVal.Err),
		zap.Int("status", errVal.HTTPStatus),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("error_id", errVal.ID),
		zap.Any("data", errVal.Data),
	)

	// write the error to the HTTP response for the frontend
	jsonBytes, err := json.Marshal(errVal)
	if err != nil {
		mira.Log.Error("encoding error response",
			zap.Error(err),
			zap.String("original_error", errVal.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(jsonBytes)))
	status := errVal.HTTPStatus
	if status < http.StatusOK {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(jsonBytes)
}

func newErrorID() string {
	const idLen = 8
	return randString(idLen)
}

// randString returns a string of n random lowercase characters. It is
// not secure; it only has to tell log entries apart. Confusable
// characters like l, 1, 0 and o are left out.
func randString(n int) string {
	if n <= 0 {
		return ""
	}
	const dict = "abcdefghjkmnpqrstvwxyz23456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = dict[mathrand.Intn(len(dict))] //nolint:gosec
	}
	return string(b)
}
