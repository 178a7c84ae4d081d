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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

// pathUUID parses one path variable as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, *apierror.Error) {
	return parseUUIDParam(name, mux.Vars(r)[name])
}

func parseUUIDParam(name, raw string) (uuid.UUID, *apierror.Error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierror.InvalidInput(name + " must be a UUID")
	}
	return id, nil
}

// pageParams reads limit and offset with a capped default page size.
func pageParams(r *http.Request, fallback, max int) (limit, offset int) {
	limit = fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	return limit, offset
}

type createReportRequest struct {
	ExpectedJobs   int                   `json:"expected_jobs"`
	Framework      string                `json:"framework"`
	GithubMetadata *store.GithubMetadata `json:"github_metadata,omitempty"`
}

type createReportResponse struct {
	ReportID     uuid.UUID          `json:"report_id"`
	Status       store.ReportStatus `json:"status"`
	ExpectedJobs int                `json:"expected_jobs"`
	Framework    store.Framework    `json:"framework"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request, caller *auth.Caller) {
	var req createReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	report, err := s.uploads.RegisterReport(r.Context(), upload.RegisterReportParams{
		ExpectedJobs:   req.ExpectedJobs,
		Framework:      req.Framework,
		GithubMetadata: req.GithubMetadata,
	})
	if err != nil {
		apierror.Write(w, s.log, err)
		return
	}
	if caller.Kind == auth.KindOIDC && caller.OIDCClaims != nil {
		claims := caller.OIDCClaims
		record := &store.ReportOidcClaim{
			ReportID:          report.ID,
			Sub:               claims.Subject,
			Repository:        claims.Repository,
			RepositoryOwner:   claims.RepositoryOwner,
			RepositoryID:      claims.RepositoryID,
			RepositoryOwnerID: claims.RepositoryOwnerID,
			Actor:             claims.Actor,
			ActorID:           claims.ActorID,
			RunID:             claims.RunID,
			RunNumber:         claims.RunNumber,
			RunAttempt:        claims.RunAttempt,
			Workflow:          claims.Workflow,
			EventName:         claims.EventName,
			Ref:               claims.Ref,
			ResolvedRole:      caller.Role,
			RequestPath:       r.URL.Path,
			RequestMethod:     r.Method,
		}
		if err := s.store.CreateReportOidcClaims(r.Context(), record); err != nil {
			// The report exists; losing the audit row is logged, not fatal.
			s.log.WithError(err).WithField("report", report.ID).Error("Could not persist OIDC audit claims.")
		}
	}
	s.writeJSON(w, http.StatusCreated, createReportResponse{
		ReportID:     report.ID,
		Status:       report.Status,
		ExpectedJobs: report.ExpectedJobs,
		Framework:    report.Framework,
		CreatedAt:    report.CreatedAt,
	})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	limit, offset := pageParams(r, defaultPageLimit, maxPageLimit)
	filter := store.ReportFilter{Limit: limit, Offset: offset}
	query := r.URL.Query()
	if raw := query.Get("framework"); raw != "" {
		framework, err := store.ParseFramework(raw)
		if err != nil {
			apierror.Write(w, s.log, apierror.InvalidInput(err.Error()))
			return
		}
		filter.Framework = &framework
	}
	if raw := query.Get("status"); raw != "" {
		status := store.ReportStatus(raw)
		filter.Status = &status
	}
	if raw := query.Get("github_repo"); raw != "" {
		filter.GithubRepo = &raw
	}
	if raw := query.Get("github_branch"); raw != "" {
		filter.GithubBranch = &raw
	}
	reports, total, err := s.store.ListReports(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("report", id.String()))
		return
	}
	jobs, err := s.store.JobsForReport(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	totals, err := s.store.ReportResultTotals(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": report,
		"jobs":   jobs,
		"totals": totals,
	})
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if err := s.uploads.DeleteReport(r.Context(), id); err != nil {
		apierror.Write(w, s.log, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleReportSuites(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if _, err := s.store.GetReport(r.Context(), id); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("report", id.String()))
		return
	}
	suites, err := s.store.SuitesForReport(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	response := map[string]interface{}{
		"suites": suites,
		"total":  len(suites),
	}
	// Sharded reports aggregate suites across jobs; surface the jobs so a
	// client can tell which shard produced what.
	jobs, err := s.store.JobsForReport(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	if len(jobs) > 1 {
		response["jobs"] = jobs
	}
	s.writeJSON(w, http.StatusOK, response)
}

// specScreenshot is one screenshot attached to a collapsed spec.
type specScreenshot struct {
	ID         uuid.UUID `json:"id"`
	Filename   string    `json:"filename"`
	StorageKey string    `json:"storage_key"`
	Sequence   int       `json:"sequence"`
}

// spec is the logical test a suite detail view shows: retries of the same
// full title collapsed into one row.
type spec struct {
	Title        string           `json:"title"`
	FullTitle    string           `json:"full_title"`
	Status       store.CaseStatus `json:"status"`
	DurationMS   int64            `json:"duration_ms"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	Attachments  store.JSON       `json:"attachments,omitempty"`
	Screenshots  []specScreenshot `json:"screenshots,omitempty"`

	sequence int
	caseIDs  map[uuid.UUID]bool
}

// screenshotPhaseRank orders lifecycle screenshots the way the run unfolded.
// Detox names capture points testStart, testFnFailure and testDone; anything
// else sorts last and falls back to the upload sequence.
func screenshotPhaseRank(filename string) int {
	name := strings.ToLower(filename)
	switch {
	case strings.Contains(name, "teststart"):
		return 0
	case strings.Contains(name, "testfnfailure"):
		return 1
	case strings.Contains(name, "testdone"):
		return 2
	default:
		return 3
	}
}

// collapseSpecs folds retry rows sharing a full title into one spec. The
// last extracted row wins the status, the longest attempt wins the duration
// and retry counts accumulate.
func collapseSpecs(cases []store.TestCase) []*spec {
	byTitle := map[string]*spec{}
	var ordered []*spec
	for i := range cases {
		c := &cases[i]
		entry, seen := byTitle[c.FullTitle]
		if !seen {
			entry = &spec{
				Title:     c.Title,
				FullTitle: c.FullTitle,
				sequence:  c.Sequence,
				caseIDs:   map[uuid.UUID]bool{},
			}
			byTitle[c.FullTitle] = entry
			ordered = append(ordered, entry)
		}
		entry.Status = c.Status
		if c.DurationMS > entry.DurationMS {
			entry.DurationMS = c.DurationMS
		}
		entry.RetryCount += c.RetryCount
		if c.ErrorMessage != nil {
			entry.ErrorMessage = c.ErrorMessage
		}
		if len(c.Attachments) > 0 {
			entry.Attachments = c.Attachments
		}
		entry.caseIDs[c.ID] = true
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].sequence < ordered[j].sequence
	})
	return ordered
}

func (s *Server) handleSuiteSpecs(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	reportID, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	suiteID, apiErr := pathUUID(r, "suite_id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	suite, err := s.store.GetSuite(r.Context(), suiteID)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("suite", suiteID.String()))
		return
	}
	job, err := s.store.GetJob(r.Context(), suite.JobID)
	if err != nil || job.ReportID != reportID {
		apierror.Write(w, s.log, apierror.NotFound("suite", suiteID.String()))
		return
	}

	filter := store.CaseFilter{SuiteID: &suiteID}
	cases, _, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	specs := collapseSpecs(cases)

	screenshots, err := s.store.ScreenshotsForJob(r.Context(), suite.JobID)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	for i := range screenshots {
		shot := &screenshots[i]
		if shot.TestCaseID == nil {
			continue
		}
		for _, entry := range specs {
			if !entry.caseIDs[*shot.TestCaseID] {
				continue
			}
			entry.Screenshots = append(entry.Screenshots, specScreenshot{
				ID:         shot.ID,
				Filename:   shot.Filename,
				StorageKey: shot.StorageKey,
				Sequence:   shot.Sequence,
			})
			break
		}
	}
	for _, entry := range specs {
		shots := entry.Screenshots
		sort.SliceStable(shots, func(i, j int) bool {
			ri, rj := screenshotPhaseRank(shots[i].Filename), screenshotPhaseRank(shots[j].Filename)
			if ri != rj {
				return ri < rj
			}
			return shots[i].Sequence < shots[j].Sequence
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"suite": suite,
		"specs": specs,
		"total": len(specs),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) < s.searchMinLength {
		apierror.Write(w, s.log, apierror.InvalidInput(
			"query must be at least "+strconv.Itoa(s.searchMinLength)+" characters"))
		return
	}
	if _, err := s.store.GetReport(r.Context(), id); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("report", id.String()))
		return
	}
	limit, offset := pageParams(r, defaultPageLimit, maxSearchLimit)
	cases, total, err := s.store.SearchCases(r.Context(), id, query, limit, offset)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}

	// Group hits under their suite so the UI can show context.
	type suiteHits struct {
		Suite *store.TestSuite `json:"suite"`
		Cases []store.TestCase `json:"cases"`
	}
	var groups []*suiteHits
	bySuite := map[uuid.UUID]*suiteHits{}
	for _, c := range cases {
		group, seen := bySuite[c.SuiteID]
		if !seen {
			suite, err := s.store.GetSuite(r.Context(), c.SuiteID)
			if err != nil {
				apierror.Write(w, s.log, apierror.Database(err))
				return
			}
			group = &suiteHits{Suite: suite}
			bySuite[c.SuiteID] = group
			groups = append(groups, group)
		}
		group.Cases = append(group.Cases, c)
	}
	if groups == nil {
		groups = []*suiteHits{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": groups,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
