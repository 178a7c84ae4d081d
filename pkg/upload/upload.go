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

// Package upload implements the two-phase register-then-transfer protocol:
// clients declare the filenames of one artifact kind, then stream the bytes
// as multipart form parts. Both phases are idempotent so interrupted CI
// uploads can simply be re-run.
package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/eventbus"
	"github.com/tsio/tsio/pkg/objstore"
	"github.com/tsio/tsio/pkg/store"
)

// MaxExpectedJobs bounds how many parallel shards one report may declare.
const MaxExpectedJobs = 100

// Coordinator owns the write side of the ingestion pipeline: report and job
// registration, per-kind file planning, and byte transfer into the object
// store.
type Coordinator struct {
	store   *store.Store
	objects *objstore.Store
	bus     *eventbus.Bus
	log     *logrus.Entry
}

func NewCoordinator(s *store.Store, objects *objstore.Store, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{
		store:   s,
		objects: objects,
		bus:     bus,
		log:     logrus.WithField("component", "upload"),
	}
}

type reportEventPayload struct {
	ReportID     string             `json:"report_id"`
	Status       store.ReportStatus `json:"status"`
	Framework    store.Framework    `json:"framework,omitempty"`
	ExpectedJobs int                `json:"expected_jobs,omitempty"`
}

type jobEventPayload struct {
	JobID    string          `json:"job_id"`
	ReportID string          `json:"report_id"`
	Status   store.JobStatus `json:"status"`
}

func (c *Coordinator) emitReport(report *store.Report, eventType eventbus.Type) {
	c.bus.Send(eventbus.New(eventType, reportEventPayload{
		ReportID:     report.ID.String(),
		Status:       report.Status,
		Framework:    report.Framework,
		ExpectedJobs: report.ExpectedJobs,
	}))
}

func (c *Coordinator) emitJob(job *store.Job, eventType eventbus.Type) {
	c.bus.Send(eventbus.New(eventType, jobEventPayload{
		JobID:    job.ID.String(),
		ReportID: job.ReportID.String(),
		Status:   job.Status,
	}))
}

// RegisterReportParams is the validated input of report registration.
type RegisterReportParams struct {
	ExpectedJobs   int
	Framework      string
	GithubMetadata *store.GithubMetadata
}

// RegisterReport creates a report in the initializing state and announces it
// on the bus.
func (c *Coordinator) RegisterReport(ctx context.Context, params RegisterReportParams) (*store.Report, error) {
	if params.ExpectedJobs < 1 || params.ExpectedJobs > MaxExpectedJobs {
		return nil, apierror.InvalidInput(fmt.Sprintf("expected_jobs must be between 1 and %d", MaxExpectedJobs))
	}
	framework, err := store.ParseFramework(params.Framework)
	if err != nil {
		return nil, apierror.InvalidInput(err.Error())
	}
	report := &store.Report{
		ExpectedJobs:   params.ExpectedJobs,
		Framework:      framework,
		Status:         store.ReportInitializing,
		GithubMetadata: params.GithubMetadata,
	}
	if err := c.store.CreateReport(ctx, report); err != nil {
		return nil, apierror.Database(err)
	}
	c.emitReport(report, eventbus.ReportCreated)
	return report, nil
}

// RegisterJobParams carries the optional CI identity of a job shard.
type RegisterJobParams struct {
	GithubJobID   *string
	GithubJobName *string
	Environment   []string
}

// RegisterJob creates a job under a report, idempotently when the CI job
// identity matches an existing shard. The first registered job moves the
// report from initializing to uploading.
func (c *Coordinator) RegisterJob(ctx context.Context, reportID uuid.UUID, params RegisterJobParams) (*store.Job, bool, error) {
	report, err := c.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, apierror.NotFound("report", reportID.String())
	}

	job := &store.Job{
		ReportID:      reportID,
		Status:        store.JobPending,
		GithubJobID:   params.GithubJobID,
		GithubJobName: params.GithubJobName,
		Environment:   params.Environment,
	}
	job, existed, err := c.store.RegisterJob(ctx, job)
	if err != nil {
		return nil, false, apierror.Database(err)
	}
	if existed {
		return job, true, nil
	}

	c.emitJob(job, eventbus.JobCreated)
	if report.Status == store.ReportInitializing {
		if err := c.store.UpdateReportStatus(ctx, reportID, store.ReportUploading); err != nil {
			return nil, false, apierror.Database(err)
		}
		report.Status = store.ReportUploading
		c.emitReport(report, eventbus.ReportUpdated)
	}
	return job, false, nil
}

// FileSpec is one entry of an init request.
type FileSpec struct {
	Path        string `json:"path"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RejectedFile explains why a planned artifact was refused.
type RejectedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// InitResult is the outcome of the planning phase.
type InitResult struct {
	JobID    uuid.UUID          `json:"job_id"`
	Accepted []store.FileRecord `json:"accepted"`
	Rejected []RejectedFile     `json:"rejected"`
}

// InitFiles plans the artifacts of one kind for a job. Entries failing
// validation are reported per-file; an init with nothing acceptable fails as
// a whole. Re-initializing with already-planned filenames preserves the
// existing rows, so a retried CI step resumes where it left off.
func (c *Coordinator) InitFiles(ctx context.Context, reportID, jobID uuid.UUID, kind store.ArtifactKind, specs []FileSpec) (*InitResult, error) {
	job, err := c.store.GetReportJob(ctx, reportID, jobID)
	if err != nil {
		return nil, apierror.NotFound("job", jobID.String())
	}
	if len(specs) == 0 {
		return nil, apierror.InvalidInput("file list must not be empty")
	}

	result := &InitResult{JobID: job.ID}
	var accepted []FileSpec
	for _, spec := range specs {
		if reason := validateFile(kind, spec.Path, spec.Size); reason != "" {
			result.Rejected = append(result.Rejected, RejectedFile{Path: spec.Path, Reason: reason})
			continue
		}
		accepted = append(accepted, spec)
	}
	if len(accepted) == 0 {
		return nil, apierror.InvalidInput("no acceptable files in the request").
			WithField("rejected", len(result.Rejected))
	}

	records, err := c.planFiles(ctx, reportID, job.ID, kind, accepted)
	if err != nil {
		return nil, apierror.Database(err)
	}
	result.Accepted = records

	if err := c.store.SetUploadStatus(ctx, job.ID, kind, store.UploadStarted); err != nil {
		return nil, apierror.Database(err)
	}
	return result, nil
}

func (c *Coordinator) planFiles(ctx context.Context, reportID, jobID uuid.UUID, kind store.ArtifactKind, specs []FileSpec) ([]store.FileRecord, error) {
	contentType := func(spec FileSpec) string {
		if spec.ContentType != "" {
			return spec.ContentType
		}
		return objstore.ContentType(spec.Path)
	}
	key := func(spec FileSpec) string {
		return objstore.Key(reportID.String(), jobID.String(), string(kind), spec.Path)
	}

	switch kind {
	case store.KindHTML:
		files := make([]store.HtmlFile, 0, len(specs))
		for _, spec := range specs {
			files = append(files, store.HtmlFile{
				Filename:    spec.Path,
				StorageKey:  key(spec),
				Size:        spec.Size,
				ContentType: contentType(spec),
			})
		}
		all, err := c.store.InitHtmlFiles(ctx, jobID, files)
		if err != nil {
			return nil, err
		}
		records := make([]store.FileRecord, 0, len(all))
		for i := range all {
			records = append(records, store.FileRecord{ID: all[i].ID, Filename: all[i].Filename, StorageKey: all[i].StorageKey, Size: all[i].Size, ContentType: all[i].ContentType, Status: all[i].Status, UploadedAt: all[i].UploadedAt})
		}
		return records, nil
	case store.KindScreenshots:
		files := make([]store.ScreenshotFile, 0, len(specs))
		for _, spec := range specs {
			files = append(files, store.ScreenshotFile{
				Filename:    spec.Path,
				StorageKey:  key(spec),
				Size:        spec.Size,
				ContentType: contentType(spec),
				TestName:    testNameFromPath(spec.Path),
			})
		}
		all, err := c.store.InitScreenshotFiles(ctx, jobID, files)
		if err != nil {
			return nil, err
		}
		records := make([]store.FileRecord, 0, len(all))
		for i := range all {
			records = append(records, store.FileRecord{ID: all[i].ID, Filename: all[i].Filename, StorageKey: all[i].StorageKey, Size: all[i].Size, ContentType: all[i].ContentType, Status: all[i].Status, UploadedAt: all[i].UploadedAt})
		}
		return records, nil
	case store.KindJSON:
		files := make([]store.JsonFile, 0, len(specs))
		for _, spec := range specs {
			files = append(files, store.JsonFile{
				Filename:    spec.Path,
				StorageKey:  key(spec),
				Size:        spec.Size,
				ContentType: contentType(spec),
			})
		}
		all, err := c.store.InitJsonFiles(ctx, jobID, files)
		if err != nil {
			return nil, err
		}
		records := make([]store.FileRecord, 0, len(all))
		for i := range all {
			records = append(records, store.FileRecord{ID: all[i].ID, Filename: all[i].Filename, StorageKey: all[i].StorageKey, Size: all[i].Size, ContentType: all[i].ContentType, Status: all[i].Status, UploadedAt: all[i].UploadedAt})
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// TransferResult summarizes one multipart transfer request.
type TransferResult struct {
	JobID         uuid.UUID `json:"job_id"`
	FilesUploaded int       `json:"files_uploaded_this_request"`
	TotalUploaded int64     `json:"total_uploaded"`
	TotalExpected int64     `json:"total_expected"`
	AllUploaded   bool      `json:"all_uploaded"`

	// KindCompleted is true when this request brought the kind's pending
	// count to zero; the caller uses it to trigger extraction for json.
	KindCompleted bool `json:"-"`
}

// Transfer streams multipart parts into the object store. Parts whose
// filename is not a pending planned artifact are skipped, which makes a
// wholesale client retry of an interrupted upload safe: already-transferred
// files are neither re-PUT nor re-marked.
func (c *Coordinator) Transfer(ctx context.Context, reportID, jobID uuid.UUID, kind store.ArtifactKind, form *multipart.Reader) (*TransferResult, error) {
	job, err := c.store.GetReportJob(ctx, reportID, jobID)
	if err != nil {
		return nil, apierror.NotFound("job", jobID.String())
	}

	limit := SizeLimit(kind)
	result := &TransferResult{JobID: job.ID}
	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apierror.InvalidInput("malformed multipart body")
		}
		filename := part.FileName()
		if filename == "" {
			filename = part.FormName()
		}
		if filename == "" {
			part.Close()
			return nil, apierror.InvalidInput("multipart part without a filename")
		}

		record, err := c.store.FindFile(ctx, job.ID, kind, filename)
		if err != nil || record.Status != store.FilePending {
			// Not in the plan, or already transferred. Drain and move on.
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		data, err := readBounded(part, limit)
		part.Close()
		if err != nil {
			if err == errTooLarge {
				return nil, apierror.PayloadTooLarge(limit+1, limit)
			}
			return nil, apierror.InvalidInput("could not read multipart part")
		}

		if err := c.objects.Put(ctx, record.StorageKey, data, record.ContentType); err != nil {
			return nil, apierror.Storage(err, "Failed to store the uploaded file", record.StorageKey)
		}
		marked, err := c.store.MarkFileUploaded(ctx, job.ID, kind, filename, int64(len(data)), time.Now().UTC())
		if err != nil {
			return nil, apierror.Database(err)
		}
		if marked {
			result.FilesUploaded++
			filesUploaded.WithLabelValues(string(kind)).Inc()
			uploadBytes.WithLabelValues(string(kind)).Add(float64(len(data)))
		}
	}

	total, uploaded, err := c.store.FileProgress(ctx, job.ID, kind)
	if err != nil {
		return nil, apierror.Database(err)
	}
	result.TotalExpected = total
	result.TotalUploaded = uploaded
	result.AllUploaded = total > 0 && uploaded == total

	if result.AllUploaded {
		completed, err := c.completeKind(ctx, reportID, job, kind)
		if err != nil {
			return nil, err
		}
		result.KindCompleted = completed
	}
	return result, nil
}

// completeKind flips the job's sub-status to completed once and emits
// job_updated. The already-completed check keeps a retried transfer of the
// last file from re-triggering extraction.
func (c *Coordinator) completeKind(ctx context.Context, reportID uuid.UUID, job *store.Job, kind store.ArtifactKind) (bool, error) {
	current, err := c.store.GetUploadStatus(ctx, job.ID, kind)
	if err != nil {
		return false, apierror.Database(err)
	}
	if current != nil && *current == store.UploadCompleted {
		return false, nil
	}
	if err := c.store.SetUploadStatus(ctx, job.ID, kind, store.UploadCompleted); err != nil {
		return false, apierror.Database(err)
	}
	if kind == store.KindHTML {
		prefix := objstore.KindPrefix(reportID.String(), job.ID.String(), string(kind))
		if err := c.store.SetJobHTMLPath(ctx, job.ID, prefix); err != nil {
			return false, apierror.Database(err)
		}
	}
	c.emitJob(job, eventbus.JobUpdated)
	return true, nil
}

var errTooLarge = fmt.Errorf("part exceeds the size limit")

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}

// Progress is the per-kind transfer state of a job.
type Progress struct {
	JobID       uuid.UUID `json:"job_id"`
	Uploaded    int64     `json:"uploaded"`
	Total       int64     `json:"total"`
	AllUploaded bool      `json:"all_uploaded"`
}

// KindProgress recomputes the kind's counts from the database; it is never
// cached.
func (c *Coordinator) KindProgress(ctx context.Context, reportID, jobID uuid.UUID, kind store.ArtifactKind) (*Progress, error) {
	job, err := c.store.GetReportJob(ctx, reportID, jobID)
	if err != nil {
		return nil, apierror.NotFound("job", jobID.String())
	}
	total, uploaded, err := c.store.FileProgress(ctx, job.ID, kind)
	if err != nil {
		return nil, apierror.Database(err)
	}
	return &Progress{
		JobID:       job.ID,
		Uploaded:    uploaded,
		Total:       total,
		AllUploaded: total > 0 && uploaded == total,
	}, nil
}

// DeleteReport soft-deletes a report with everything it owns and removes its
// blobs. Emits report_updated so dashboards drop the row.
func (c *Coordinator) DeleteReport(ctx context.Context, reportID uuid.UUID) error {
	report, err := c.store.GetReport(ctx, reportID)
	if err != nil {
		return apierror.NotFound("report", reportID.String())
	}
	if err := c.store.DeleteReport(ctx, reportID); err != nil {
		return apierror.Database(err)
	}
	if removed, err := c.objects.DeletePrefix(ctx, objstore.ReportPrefix(reportID.String())); err != nil {
		// The rows are gone; orphaned blobs are a cleanup concern, not a
		// request failure.
		c.log.WithError(err).WithField("report", reportID).Warn("Could not delete report blobs.")
	} else {
		c.log.WithFields(logrus.Fields{"report": reportID, "objects": removed}).Info("Deleted report blobs.")
	}
	c.bus.Send(eventbus.New(eventbus.ReportUpdated, reportEventPayload{
		ReportID: reportID.String(),
		Status:   report.Status,
	}))
	return nil
}
