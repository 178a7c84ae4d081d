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
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

type registerJobRequest struct {
	GithubJobID   *string  `json:"github_job_id,omitempty"`
	GithubJobName *string  `json:"github_job_name,omitempty"`
	Environment   []string `json:"environment,omitempty"`
}

type registerJobResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	IsExisting bool      `json:"is_existing"`
}

func (s *Server) handleRegisterJob(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, apiErr := pathUUID(r, "report_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	var req registerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	job, existed, err := s.uploads.RegisterJob(r.Context(), reportID, upload.RegisterJobParams{
		GithubJobID:   req.GithubJobID,
		GithubJobName: req.GithubJobName,
		Environment:   req.Environment,
	})
	if err != nil {
		apierror.Write(w, s.log, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	s.writeJSON(w, status, registerJobResponse{JobID: job.ID, IsExisting: existed})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, apiErr := pathUUID(r, "report_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	jobID, apiErr := pathUUID(r, "job_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	job, err := s.store.GetReportJob(r.Context(), reportID, jobID)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("job", jobID.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter := store.JobFilter{Limit: limit, Offset: offset}
	query := r.URL.Query()
	if raw := query.Get("report_id"); raw != "" {
		id, apiErr := parseUUIDParam("report_id", raw)
		if apiErr != nil {
			apierror.Write(w, s.log, apiErr)
			return
		}
		filter.ReportID = &id
	}
	if raw := query.Get("status"); raw != "" {
		status := store.JobStatus(raw)
		filter.Status = &status
	}
	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
