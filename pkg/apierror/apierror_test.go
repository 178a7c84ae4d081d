/*
Copyright 2025 The tsio Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestWrite(t *testing.T) {
	var testCases = []struct {
		name            string
		err             error
		expectedStatus  int
		expectedBody    response
		forbiddenDetail string
	}{
		{
			name:           "database error hides the cause",
			err:            Database(errors.New("pq: relation \"reports\" does not exist")),
			expectedStatus: http.StatusInternalServerError,
			expectedBody: response{
				Error:   "DATABASE_ERROR",
				Message: "An internal database error occurred",
			},
			forbiddenDetail: "reports",
		},
		{
			name:           "storage error names the operation but not the key",
			err:            Storage(errors.New("connection refused"), "Failed to store file", "reports/123/jobs/456/html/index.html"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody: response{
				Error:   "STORAGE_ERROR",
				Message: "Failed to store file",
			},
			forbiddenDetail: "reports/123",
		},
		{
			name:           "not found names the entity but not the id",
			err:            NotFound("Report", "0198c5f2-dead-beef-aaaa-bbbbccccdddd"),
			expectedStatus: http.StatusNotFound,
			expectedBody: response{
				Error:   "NOT_FOUND",
				Message: "Report not found",
			},
			forbiddenDetail: "0198c5f2",
		},
		{
			name:           "invalid input carries the reason",
			err:            InvalidInput("Path traversal not allowed"),
			expectedStatus: http.StatusBadRequest,
			expectedBody: response{
				Error:   "INVALID_INPUT",
				Message: "Path traversal not allowed",
			},
		},
		{
			name:           "unauthorized stays generic",
			err:            Unauthorized("Invalid token", "api_key", "no key matches the presented value"),
			expectedStatus: http.StatusUnauthorized,
			expectedBody: response{
				Error:   "UNAUTHORIZED",
				Message: "Invalid token",
			},
			forbiddenDetail: "no key matches",
		},
		{
			name:           "payload too large reports size and limit",
			err:            PayloadTooLarge(52429000, 52428800),
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody: response{
				Error:   "PAYLOAD_TOO_LARGE",
				Message: "Payload of 52429000 bytes exceeds the limit of 52428800 bytes",
			},
		},
		{
			name:           "untyped error renders as internal",
			err:            fmt.Errorf("loading policy for user deadbeef: boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody: response{
				Error:   "DATABASE_ERROR",
				Message: "An internal database error occurred",
			},
			forbiddenDetail: "deadbeef",
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			Write(recorder, log, testCase.err)
			if recorder.Code != testCase.expectedStatus {
				t.Errorf("%s: expected status %d, got %d", testCase.name, testCase.expectedStatus, recorder.Code)
			}
			if contentType := recorder.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("%s: expected JSON content type, got %q", testCase.name, contentType)
			}
			var body response
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("%s: could not decode body: %v", testCase.name, err)
			}
			if diff := cmp.Diff(testCase.expectedBody, body); diff != "" {
				t.Errorf("%s: got incorrect body: %v", testCase.name, diff)
			}
			if testCase.forbiddenDetail != "" && strings.Contains(recorder.Body.String(), testCase.forbiddenDetail) {
				t.Errorf("%s: response leaked internal detail %q: %s", testCase.name, testCase.forbiddenDetail, recorder.Body.String())
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Storage(cause, "Failed to store file", "some/key")
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause through the boundary error")
	}
}
