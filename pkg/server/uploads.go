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
	"github.com/gorilla/mux"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

// uploadScope parses the report, job and artifact-kind path variables shared
// by the upload endpoints.
func (s *Server) uploadScope(w http.ResponseWriter, r *http.Request) (reportID, jobID uuid.UUID, kind store.ArtifactKind, ok bool) {
	reportID, apiErr := pathUUID(r, "report_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return reportID, jobID, kind, false
	}
	jobID, apiErr = pathUUID(r, "job_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return reportID, jobID, kind, false
	}
	kind, err := store.ParseArtifactKind(mux.Vars(r)["kind"])
	if err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput(err.Error()))
		return reportID, jobID, kind, false
	}
	return reportID, jobID, kind, true
}

type initFilesRequest struct {
	Files []upload.FileSpec `json:"files"`
}

func (s *Server) handleInitFiles(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, jobID, kind, ok := s.uploadScope(w, r)
	if !ok {
		return
	}
	var req initFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	result, err := s.uploads.InitFiles(r.Context(), reportID, jobID, kind, req.Files)
	if err != nil {
		apierror.Write(w, s.log, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, jobID, kind, ok := s.uploadScope(w, r)
	if !ok {
		return
	}
	form, err := r.MultipartReader()
	if err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request must be multipart/form-data"))
		return
	}
	result, transferErr := s.uploads.Transfer(r.Context(), reportID, jobID, kind, form)
	if transferErr != nil {
		apierror.Write(w, s.log, transferErr)
		return
	}
	if kind == store.KindScreenshots && result.FilesUploaded > 0 {
		// Extraction may already have run; linking is idempotent and picks
		// up whatever cases exist by now.
		if err := s.ingest.LinkScreenshots(r.Context(), jobID); err != nil {
			s.log.WithError(err).WithField("job", jobID).Warn("Screenshot linking failed.")
		}
	}
	if result.KindCompleted && kind == store.KindJSON {
		s.ingest.ProcessJobAsync(jobID)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, jobID, kind, ok := s.uploadScope(w, r)
	if !ok {
		return
	}
	progress, err := s.uploads.KindProgress(r.Context(), reportID, jobID, kind)
	if err != nil {
		apierror.Write(w, s.log, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}
