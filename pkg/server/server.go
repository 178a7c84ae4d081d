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

// Package server is the HTTP surface: routing, request validation, auth
// extraction, and the WebSocket event stream. Handlers stay thin; the
// pipeline work lives in the upload and ingest packages.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/auth/githuboauth"
	"github.com/tsio/tsio/pkg/auth/policy"
	"github.com/tsio/tsio/pkg/eventbus"
	"github.com/tsio/tsio/pkg/ingest"
	"github.com/tsio/tsio/pkg/objstore"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxSearchLimit   = 500
)

// Options wires the server's collaborators. OAuth and StaticDir are
// optional; a nil or empty value disables the corresponding surface.
type Options struct {
	Store    *store.Store
	Objects  *objstore.Store
	Bus      *eventbus.Bus
	Verifier *auth.Verifier
	Uploads  *upload.Coordinator
	Ingest   *ingest.Orchestrator
	Policies *policy.Engine
	OAuth    *githuboauth.Agent

	StaticDir       string
	SearchMinLength int
	AllowedOrigins  []string
}

// Server holds the handler graph. Construct with New, serve via Handler.
type Server struct {
	store    *store.Store
	objects  *objstore.Store
	bus      *eventbus.Bus
	verifier *auth.Verifier
	uploads  *upload.Coordinator
	ingest   *ingest.Orchestrator
	policies *policy.Engine
	oauth    *githuboauth.Agent

	staticDir       string
	searchMinLength int
	allowedOrigins  map[string]bool

	log *logrus.Entry
}

func New(opts Options) *Server {
	s := &Server{
		store:           opts.Store,
		objects:         opts.Objects,
		bus:             opts.Bus,
		verifier:        opts.Verifier,
		uploads:         opts.Uploads,
		ingest:          opts.Ingest,
		policies:        opts.Policies,
		oauth:           opts.OAuth,
		staticDir:       opts.StaticDir,
		searchMinLength: opts.SearchMinLength,
		allowedOrigins:  map[string]bool{},
		log:             logrus.WithField("component", "server"),
	}
	if s.searchMinLength < 1 {
		s.searchMinLength = 2
	}
	for _, origin := range opts.AllowedOrigins {
		s.allowedOrigins[origin] = true
	}
	return s
}

// Handler assembles the full routing tree: the JSON API under /api/v1, the
// WebSocket stream at /ws, and optionally the SPA at /.
func (s *Server) Handler() http.Handler {
	api := mux.NewRouter()
	api.Use(s.cors, instrumentRequests)

	api.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/ready", s.handleReady).Methods(http.MethodGet)

	api.HandleFunc("/api/v1/reports", s.withRole(store.RoleContributor, s.handleCreateReport)).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/reports", s.withRole(store.RoleViewer, s.handleListReports)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/reports/{id}", s.withRole(store.RoleViewer, s.handleGetReport)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/reports/{id}", s.withAdmin(s.handleDeleteReport)).Methods(http.MethodDelete)
	api.HandleFunc("/api/v1/reports/{id}/suites", s.withRole(store.RoleViewer, s.handleReportSuites)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/reports/{id}/suites/{suite_id}/specs", s.withRole(store.RoleViewer, s.handleSuiteSpecs)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/reports/{id}/search", s.withRole(store.RoleViewer, s.handleSearch)).Methods(http.MethodGet)

	api.HandleFunc("/api/v1/reports/{report_id}/jobs/init", s.withRole(store.RoleContributor, s.handleRegisterJob)).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/reports/{report_id}/jobs/{job_id}", s.withRole(store.RoleViewer, s.handleGetJob)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/jobs", s.withRole(store.RoleViewer, s.handleListJobs)).Methods(http.MethodGet)

	api.HandleFunc("/api/v1/reports/{report_id}/jobs/{job_id}/{kind}/init", s.withRole(store.RoleContributor, s.handleInitFiles)).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/reports/{report_id}/jobs/{job_id}/{kind}/progress", s.withRole(store.RoleViewer, s.handleProgress)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/reports/{report_id}/jobs/{job_id}/{kind}", s.withRole(store.RoleContributor, s.handleTransfer)).Methods(http.MethodPost)

	api.HandleFunc("/api/v1/test-suites", s.withRole(store.RoleViewer, s.handleListSuites)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/test-cases", s.withRole(store.RoleViewer, s.handleListCases)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/jobs/{id}/test-suites", s.withRole(store.RoleViewer, s.handleJobSuites)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/jobs/{id}/test-cases", s.withRole(store.RoleViewer, s.handleJobCases)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/test-suites/{id}/test-cases", s.withRole(store.RoleViewer, s.handleSuiteCases)).Methods(http.MethodGet)

	api.HandleFunc("/api/v1/auth/keys", s.withAdmin(s.handleCreateKey)).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/auth/keys", s.withAdmin(s.handleListKeys)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/auth/keys/{id}", s.withAdmin(s.handleGetKey)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/auth/keys/{id}", s.withAdmin(s.handleRevokeKey)).Methods(http.MethodDelete)
	api.HandleFunc("/api/v1/auth/keys/{id}/restore", s.withAdmin(s.handleRestoreKey)).Methods(http.MethodPost)

	api.HandleFunc("/api/v1/auth/oidc-policies", s.withAdmin(s.handleCreatePolicy)).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/auth/oidc-policies", s.withAdmin(s.handleListPolicies)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/auth/oidc-policies/{id}", s.withAdmin(s.handleGetPolicy)).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/auth/oidc-policies/{id}", s.withAdmin(s.handleUpdatePolicy)).Methods(http.MethodPut)
	api.HandleFunc("/api/v1/auth/oidc-policies/{id}", s.withAdmin(s.handleDeletePolicy)).Methods(http.MethodDelete)

	api.HandleFunc("/api/v1/auth/me", s.withRole(store.RoleViewer, s.handleMe)).Methods(http.MethodGet)
	if s.oauth != nil {
		api.HandleFunc("/api/v1/auth/github", s.oauth.HandleLogin).Methods(http.MethodGet)
		api.HandleFunc("/api/v1/auth/github/callback", s.oauth.HandleCallback).Methods(http.MethodGet)
		api.HandleFunc("/api/v1/auth/refresh", s.oauth.HandleRefresh).Methods(http.MethodPost)
		api.HandleFunc("/api/v1/auth/logout", s.oauth.HandleLogout).Methods(http.MethodPost)
	}

	root := mux.NewRouter()
	root.HandleFunc("/ws", s.withRole(store.RoleViewer, s.handleWebSocket))
	root.PathPrefix("/api/v1/").Handler(gziphandler.GzipHandler(api))
	if s.staticDir != "" {
		root.PathPrefix("/").Handler(gziphandler.GzipHandler(s.staticHandler()))
	}
	return logRequests(root)
}

// withRole authenticates the request and enforces a minimum role before
// handing the caller to the handler.
func (s *Server) withRole(minimum store.Role, handler func(http.ResponseWriter, *http.Request, *auth.Caller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, apiErr := s.verifier.Verify(r)
		if apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		if apiErr := caller.RequireRole(minimum); apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		handler(w, r, caller)
	}
}

// withAdmin additionally refuses OIDC callers regardless of resolved role.
func (s *Server) withAdmin(handler func(http.ResponseWriter, *http.Request, *auth.Caller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, apiErr := s.verifier.Verify(r)
		if apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		if apiErr := caller.RequireAdmin(); apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		handler(w, r, caller)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("Failed to encode response body.")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.store.Ready(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
