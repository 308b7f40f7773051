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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/mira-gis/mira/mira"
)

func (a *App) registerCommands() {
	a.commands = map[string]Endpoint{
		"add-user": {
			Handler: a.server.handleAddUser,
			Method:  http.MethodPost,
			Payload: addUserPayload{},
			Access:  adminOnly,
			Help:    "Registers a new operator.",
		},
		"assign-arm": {
			Handler: a.server.handleAssignArm,
			Method:  http.MethodPost,
			Help:    "Arms map-click assignment for the selected record.",
		},
		"assign-cancel": {
			Handler: a.server.handleAssignCancel,
			Method:  http.MethodPost,
			Help:    "Abandons location assignment without changing anything.",
		},
		"assign-click": {
			Handler: a.server.handleAssignClick,
			Method:  http.MethodPost,
			Payload: mira.Point{},
			Help:    "Reports a click on the map at the given point.",
		},
		"assign-confirm": {
			Handler: a.server.handleAssignConfirm,
			Method:  http.MethodPost,
			Help:    "Assigns the pending map location to the target record.",
		},
		"assign-fields": {
			Handler: a.server.handleAssignFields,
			Method:  http.MethodPost,
			Payload: assignFieldsPayload{},
			Help:    "Sets the latitude and longitude text of the entry form.",
		},
		"assign-open-entry": {
			Handler: a.server.handleAssignOpenEntry,
			Method:  http.MethodPost,
			Help:    "Opens the coordinate entry form for the selected record.",
		},
		"assign-paste": {
			Handler: a.server.handleAssignPaste,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Fills the entry form from pasted text like \"-3.71, -38.52\".",
		},
		"assign-search": {
			Handler: a.server.handleAssignSearch,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Sets the place search query of the entry form.",
		},
		"assign-select-result": {
			Handler: a.server.handleAssignSelectResult,
			Method:  http.MethodPost,
			Payload: 0,
			Help:    "Fills the entry form from the place search result at the given index.",
		},
		"assign-state": {
			Handler: a.server.handleAssignState,
			Method:  http.MethodGet,
			Help:    "Returns the state of the location assignment workflow.",
		},
		"assign-submit": {
			Handler: a.server.handleAssignSubmit,
			Method:  http.MethodPost,
			Help:    "Assigns the coordinates in the entry form to the target record.",
		},
		"build-info": {
			Handler: a.server.handleBuildInfo,
			Method:  http.MethodGet,
			Access:  public,
			Help:    "Displays information about this build.",
		},
		"cancel-upload": {
			Handler: a.server.handleCancelUpload,
			Method:  http.MethodPost,
			Payload: cancelUploadPayload{},
			Help:    "Requests cancellation of the upload, or resolves a requested cancellation.",
		},
		"delete-media": {
			Handler: a.server.handleDeleteMedia,
			Method:  http.MethodDelete,
			Payload: []string{},
			Help:    "Deletes media records.",
		},
		"login": {
			Handler: a.server.handleLogin,
			Method:  http.MethodPost,
			Payload: loginPayload{},
			Access:  public,
			Help:    "Starts an operator session.",
		},
		"logs": {
			Handler: a.server.handleLogs,
			Method:  http.MethodGet,
			Help:    "Initiates a WebSocket connection to send logs.",
		},
		"media": {
			Handler: a.server.handleMedia,
			Method:  http.MethodPost,
			Payload: mira.Filter{},
			Help:    "Lists media records, filtered and sorted.",
		},
		"record-address": {
			Handler: a.server.handleRecordAddress,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Returns the short street address of a record's location.",
		},
		"report": {
			Handler: a.server.handleReport,
			Method:  http.MethodGet,
			Help:    "Returns the field report (JSON, or text if preferred by the client).",
		},
		"report-text": {
			Handler: a.server.handleReportText,
			Method:  http.MethodGet,
			Help:    "Returns the field report as plain text.",
		},
		"select-media": {
			Handler: a.server.handleSelectMedia,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Selects a media record; an empty ID clears the selection.",
		},
		"toggle-user": {
			Handler: a.server.handleToggleUser,
			Method:  http.MethodPost,
			Payload: "",
			Access:  adminOnly,
			Help:    "Grants or revokes an operator's access.",
		},
		"update-note": {
			Handler: a.server.handleUpdateNote,
			Method:  http.MethodPost,
			Payload: updateNotePayload{},
			Help:    "Replaces the operator note of a media record.",
		},
		"upload": {
			Handler:     a.server.handleUpload,
			Method:      http.MethodPost,
			ContentType: Multipart,
			Help:        "Uploads media files (multipart fields \"files\" and optionally \"paths\").",
		},
		"upload-progress": {
			Handler: a.server.handleUploadProgress,
			Method:  http.MethodGet,
			Help:    "Returns the progress of the current or last upload.",
		},
		"users": {
			Handler: a.server.handleUsers,
			Method:  http.MethodGet,
			Access:  adminOnly,
			Help:    "Lists operators.",
		},
	}
}

// Endpoint is an API command, reachable over HTTP and from the CLI.
type Endpoint struct {
	Method      string
	ContentType ContentType
	Payload     any
	Handler     handlerFunc
	Access      access
	Help        string
}

// access is who may call an endpoint when login is required.
type access int

const (
	operatorOnly access = iota
	adminOnly
	public
)

// GetContentType returns the Content-Type of the endpoint
// considering its default of JSON if it takes a payload.
func (e Endpoint) GetContentType() ContentType {
	if e.ContentType == None && e.Payload != nil &&
		(e.Method == http.MethodPost || e.Method == http.MethodPut ||
			e.Method == http.MethodPatch || e.Method == http.MethodDelete) {
		return JSON
	}
	return e.ContentType
}

type ctxKey string

var ctxKeyPayload ctxKey = "payload"

func (e Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	if e.GetContentType() == JSON {
		payload := reflect.New(reflect.TypeOf(e.Payload)).Interface()
		if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
			err := json.NewDecoder(r.Body).Decode(payload)
			if err != nil {
				return Error{
					Err:        err,
					HTTPStatus: http.StatusBadRequest,
					Log:        "decoding request body as JSON",
					Message:    "Invalid JSON in request body.",
				}
			}
		}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyPayload, payload))
	}
	return e.Handler(w, r)
}

// CommandLineHelp describes every command and its arguments.
func (a *App) CommandLineHelp() string {
	commands := make([]string, 0, len(a.commands))
	for command := range a.commands {
		commands = append(commands, command)
	}
	sort.Strings(commands)

	var sb strings.Builder

	sb.WriteString(`MIRA is a dashboard for drone survey media: it ingests photos and videos,
reads their locations, and helps operators place, annotate and report on them.

It consists of a server and a command line client with symmetric commands:
every API command can be run as "mira <command> [args...]", and is sent to
the server if one is running.

Usage:
  mira [command] [args...]

Examples:
  $ mira serve
  $ mira ingest ./flight-2024-05-01.zip
  $ mira media --location missing --sort newest
  $ mira assign-paste "-3.71, -38.52"

Standard Commands:
  serve
      Runs the server.
  ingest <path...>
      Ingests folders or archives without a server and prints a report.
  help
      Prints this help.
  version
      Prints the version.

Available Commands:`)

	for _, command := range commands {
		endpoint := a.commands[command]
		sb.WriteString("\n  ")
		sb.WriteString(command)
		sb.WriteString(argsHelp(endpoint.Payload))
		sb.WriteString("\n      ")
		sb.WriteString(endpoint.Help)
		sb.WriteRune('\n')
	}

	return sb.String()
}

func argsHelp(payload any) string {
	if payload == nil {
		return ""
	}
	val := reflect.ValueOf(payload)
	switch val.Kind() { //nolint:exhaustive
	case reflect.Slice:
		return " <" + val.Type().Elem().String() + "...>"
	case reflect.Struct:
	default:
		return " <" + val.Kind().String() + ">"
	}

	var sb strings.Builder
	typ := val.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		argName, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if argName == "" || argName == "-" {
			continue
		}
		argName = strings.ReplaceAll(argName, "_", "-")
		if i > 0 && i%3 == 0 {
			sb.WriteString("\n\t\t")
		}
		if strings.Contains(opts, "omitempty") {
			sb.WriteString(fmt.Sprintf(" [--%s <%s>]", argName, field.Type))
		} else {
			sb.WriteString(fmt.Sprintf(" --%s <%s>", argName, field.Type))
		}
	}
	return sb.String()
}

// ContentType is an HTTP Content-Type value.
type ContentType string

// Content types that are supported.
const (
	JSON      ContentType = "application/json"
	Multipart ContentType = "multipart/form-data"
	None      ContentType = ""
)

const apiBasePath = "/api/"
