package miraapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mira-gis/mira/mira"
)

func TestHTTPStatusOf(t *testing.T) {
	for i, tc := range []struct {
		err    error
		expect int
	}{
		{err: mira.ErrInvalidCoordinates, expect: http.StatusBadRequest},
		{err: fmt.Errorf("record x: %w", mira.ErrNotFound), expect: http.StatusNotFound},
		{err: mira.ErrRunInProgress, expect: http.StatusConflict},
		{err: mira.ErrNoCancelRequested, expect: http.StatusConflict},
		{err: mira.ErrInvalidState, expect: http.StatusConflict},
		{err: mira.ErrLastAdmin, expect: http.StatusConflict},
		{err: mira.ErrBadCredentials, expect: http.StatusUnauthorized},
		{err: mira.ErrOperatorInactive, expect: http.StatusForbidden},
		{err: errors.New("something else"), expect: http.StatusTeapot},
	} {
		if actual := httpStatusOf(tc.err, http.StatusTeapot); actual != tc.expect {
			t.Errorf("Test %d (%v): Expected %d, got %d", i, tc.err, tc.expect, actual)
		}
	}
}

func TestHandleError(t *testing.T) {
	for i, tc := range []struct {
		err             error
		expectStatus    int
		expectMessage   string
		expectRecommend bool
	}{
		{
			err:           fmt.Errorf("selecting: %w", mira.ErrNotFound),
			expectStatus:  http.StatusNotFound,
			expectMessage: "selecting: media record not found",
		},
		{
			err: Error{
				Err:        errors.New("bad body"),
				HTTPStatus: http.StatusBadRequest,
				Message:    "Invalid JSON in request body.",
			},
			expectStatus:  http.StatusBadRequest,
			expectMessage: "Invalid JSON in request body.",
		},
		{
			err:           Error{Err: mira.ErrRunInProgress},
			expectStatus:  http.StatusConflict,
			expectMessage: mira.ErrRunInProgress.Error(),
		},
		{
			err:             errors.New("disk on fire"),
			expectStatus:    http.StatusInternalServerError,
			expectMessage:   "disk on fire",
			expectRecommend: true,
		},
	} {
		w := httptest.NewRecorder()
		handleError(w, httptest.NewRequest(http.MethodGet, "/api/media", nil), tc.err)

		if w.Code != tc.expectStatus {
			t.Errorf("Test %d: Expected status %d, got %d", i, tc.expectStatus, w.Code)
		}
		var body Error
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Test %d: decoding body: %v", i, err)
		}
		if body.Message != tc.expectMessage {
			t.Errorf("Test %d: Expected message '%s', got '%s'", i, tc.expectMessage, body.Message)
		}
		if len(body.ID) != 8 {
			t.Errorf("Test %d: Expected an 8-character error ID, got '%s'", i, body.ID)
		}
		if body.ErrString == "" {
			t.Errorf("Test %d: Expected the error string to be serialized", i)
		}
		if (len(body.Recommendations) > 0) != tc.expectRecommend {
			t.Errorf("Test %d: Expected recommendations=%t, got %v", i, tc.expectRecommend, body.Recommendations)
		}
	}
}
