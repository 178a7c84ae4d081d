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

package server

import (
	"net/http"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/store"
)

func (s *Server) writeSuitePage(w http.ResponseWriter, suites []store.TestSuite, total int64, limit, offset int) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"suites": suites,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) writeCasePage(w http.ResponseWriter, cases []store.TestCase, total int64, limit, offset int) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases":  cases,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// caseFilterFromQuery builds the shared case filter from query parameters.
func caseFilterFromQuery(r *http.Request, limit, offset int) (store.CaseFilter, *apierror.Error) {
	filter := store.CaseFilter{Limit: limit, Offset: offset}
	query := r.URL.Query()
	if raw := query.Get("job_id"); raw != "" {
		id, apiErr := parseUUIDParam("job_id", raw)
		if apiErr != nil {
			return filter, apiErr
		}
		filter.JobID = &id
	}
	if raw := query.Get("suite_id"); raw != "" {
		id, apiErr := parseUUIDParam("suite_id", raw)
		if apiErr != nil {
			return filter, apiErr
		}
		filter.SuiteID = &id
	}
	if raw := query.Get("status"); raw != "" {
		status := store.CaseStatus(raw)
		filter.Status = &status
	}
	return filter, nil
}

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter := store.SuiteFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		id, apiErr := parseUUIDParam("job_id", raw)
		if apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		filter.JobID = &id
	}
	suites, total, err := s.store.ListSuites(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeSuitePage(w, suites, total, limit, offset)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter, apiErr := caseFilterFromQuery(r, limit, offset)
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	cases, total, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeCasePage(w, cases, total, limit, offset)
}

func (s *Server) handleJobSuites(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	jobID, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("job", jobID.String()))
		return
	}
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	suites, total, err := s.store.ListSuites(r.Context(), store.SuiteFilter{JobID: &jobID, Limit: limit, Offset: offset})
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeSuitePage(w, suites, total, limit, offset)
}

func (s *Server) handleJobCases(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	jobID, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("job", jobID.String()))
		return
	}
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter, apiErr := caseFilterFromQuery(r, limit, offset)
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	filter.JobID = &jobID
	cases, total, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeCasePage(w, cases, total, limit, offset)
}

func (s *Server) handleSuiteCases(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	suiteID, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if _, err := s.store.GetSuite(r.Context(), suiteID); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("suite", suiteID.String()))
		return
	}
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter := store.CaseFilter{SuiteID: &suiteID, Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.CaseStatus(raw)
		filter.Status = &status
	}
	cases, total, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeCasePage(w, cases, total, limit, offset)
}
