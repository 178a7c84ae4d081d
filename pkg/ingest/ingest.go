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

// Package ingest turns uploaded JSON result artifacts into relational suites
// and cases. Extraction runs in the background once a job's json kind
// finishes uploading; a bounded number of jobs extract concurrently.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tsio/tsio/pkg/eventbus"
	"github.com/tsio/tsio/pkg/objstore"
	"github.com/tsio/tsio/pkg/parsers"
	"github.com/tsio/tsio/pkg/store"
)

// extractionTimeout bounds one background extraction run end to end.
const extractionTimeout = 10 * time.Minute

// Orchestrator drives JSON extraction, job and report lifecycle transitions,
// and the screenshot linker.
type Orchestrator struct {
	store   *store.Store
	objects *objstore.Store
	bus     *eventbus.Bus
	workers *semaphore.Weighted
	log     *logrus.Entry
}

func NewOrchestrator(s *store.Store, objects *objstore.Store, bus *eventbus.Bus, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:   s,
		objects: objects,
		bus:     bus,
		workers: semaphore.NewWeighted(int64(workers)),
		log:     logrus.WithField("component", "ingest"),
	}
}

type jobEventPayload struct {
	JobID    string          `json:"job_id"`
	ReportID string          `json:"report_id"`
	Status   store.JobStatus `json:"status"`
}

type reportEventPayload struct {
	ReportID string             `json:"report_id"`
	Status   store.ReportStatus `json:"status"`
}

type suitesEventPayload struct {
	ReportID string `json:"report_id"`
	JobID    string `json:"job_id"`
	Suites   int    `json:"suites"`
}

// ProcessJobAsync schedules extraction for a job whose json upload just
// completed. The call returns immediately; the work runs under the worker
// bound with its own deadline.
func (o *Orchestrator) ProcessJobAsync(jobID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
		defer cancel()
		if err := o.workers.Acquire(ctx, 1); err != nil {
			o.log.WithError(err).WithField("job", jobID).Error("Could not acquire an extraction worker.")
			return
		}
		defer o.workers.Release(1)
		if err := o.ProcessJob(ctx, jobID); err != nil {
			o.log.WithError(err).WithField("job", jobID).Error("Extraction failed.")
		}
	}()
}

// ProcessJob parses every uploaded JSON artifact of the job. A parser
// failure is recorded on the offending file and fails the job; it is not an
// error of this call. Infrastructure failures (database, object store) are.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("could not load job %s: %w", jobID, err)
	}
	report, err := o.store.GetReport(ctx, job.ReportID)
	if err != nil {
		return fmt.Errorf("could not load report %s: %w", job.ReportID, err)
	}
	parser, err := parsers.ForFramework(report.Framework)
	if err != nil {
		return err
	}

	if err := o.store.UpdateJobStatus(ctx, job.ID, store.JobProcessing); err != nil {
		return err
	}
	if err := o.store.UpdateReportStatus(ctx, report.ID, store.ReportProcessing); err != nil {
		return err
	}

	files, err := o.store.UploadedJsonFiles(ctx, job.ID)
	if err != nil {
		return err
	}
	log := o.log.WithFields(logrus.Fields{"job": job.ID, "report": report.ID, "framework": report.Framework})

	suiteCount := 0
	for i := range files {
		file := &files[i]
		count, parseErr, err := o.extractFile(ctx, job, file, parser)
		if err != nil {
			return err
		}
		if parseErr != nil {
			log.WithError(parseErr).WithField("file", file.Filename).Warn("Results file could not be parsed.")
			reason := shortReason(parseErr)
			if err := o.store.MarkJsonExtractionFailed(ctx, file.ID, reason); err != nil {
				return err
			}
			if err := o.failJob(ctx, job, report, fmt.Sprintf("results extraction failed for %s", file.Filename)); err != nil {
				return err
			}
			return nil
		}
		suiteCount += count
	}

	if err := o.LinkScreenshots(ctx, job.ID); err != nil {
		log.WithError(err).Warn("Screenshot linking failed.")
	}

	if err := o.completeJob(ctx, job, report); err != nil {
		return err
	}
	o.bus.Send(eventbus.New(eventbus.SuitesAvailable, suitesEventPayload{
		ReportID: report.ID.String(),
		JobID:    job.ID.String(),
		Suites:   suiteCount,
	}))
	log.WithField("suites", suiteCount).Info("Extracted test results.")
	return nil
}

// extractFile parses one artifact and persists its suites and cases in a
// single transaction. The second return value carries a parse problem; the
// third an infrastructure failure.
func (o *Orchestrator) extractFile(ctx context.Context, job *store.Job, file *store.JsonFile, parser parsers.Parser) (int, error, error) {
	reader, err := o.objects.Reader(ctx, file.StorageKey)
	if err != nil {
		return 0, nil, fmt.Errorf("could not open %s: %w", file.StorageKey, err)
	}
	defer reader.Close()

	result, parseErr := parser.Parse(reader)
	if parseErr != nil {
		return 0, parseErr, nil
	}

	err = o.store.InTransaction(ctx, func(tx *store.Store) error {
		for i := range result.Suites {
			parsed := &result.Suites[i]
			total, passed, failed, skipped, flaky := parsed.Counts()
			inserted := []store.TestSuite{{
				JobID:      job.ID,
				Title:      parsed.Title,
				FilePath:   parsed.FilePath,
				TotalTests: total,
				Passed:     passed,
				Failed:     failed,
				Skipped:    skipped,
				Flaky:      flaky,
				DurationMS: parsed.DurationMS,
				StartTime:  parsed.StartTime,
			}}
			if err := tx.CreateSuites(ctx, inserted); err != nil {
				return err
			}
			suite := inserted[0]
			cases := make([]store.TestCase, 0, len(parsed.Cases))
			for sequence, c := range parsed.Cases {
				cases = append(cases, store.TestCase{
					SuiteID:      suite.ID,
					JobID:        job.ID,
					Title:        c.Title,
					FullTitle:    c.FullTitle,
					Status:       c.Status,
					DurationMS:   c.DurationMS,
					RetryCount:   c.RetryCount,
					ErrorMessage: c.ErrorMessage,
					Attachments:  store.JSON(c.Attachments),
					Sequence:     sequence,
				})
			}
			if err := tx.CreateCases(ctx, cases); err != nil {
				return err
			}
		}
		return tx.MarkJsonExtracted(ctx, file.ID, time.Now().UTC())
	})
	if err != nil {
		return 0, nil, err
	}

	if result.DurationMS != nil || result.StartTime != nil {
		if err := o.store.SetJobTiming(ctx, job.ID, result.DurationMS, result.StartTime); err != nil {
			return 0, nil, err
		}
	}
	return len(result.Suites), nil, nil
}

// shortReason trims a parse error to something that fits a status column.
func shortReason(err error) string {
	reason := err.Error()
	if len(reason) > 255 {
		reason = reason[:255]
	}
	return reason
}

func (o *Orchestrator) emitJob(job *store.Job, reportID uuid.UUID, status store.JobStatus) {
	o.bus.Send(eventbus.New(eventbus.JobUpdated, jobEventPayload{
		JobID:    job.ID.String(),
		ReportID: reportID.String(),
		Status:   status,
	}))
}

func (o *Orchestrator) emitReport(reportID uuid.UUID, status store.ReportStatus) {
	o.bus.Send(eventbus.New(eventbus.ReportUpdated, reportEventPayload{
		ReportID: reportID.String(),
		Status:   status,
	}))
}

// failJob fails the job and makes the report's failure sticky.
func (o *Orchestrator) failJob(ctx context.Context, job *store.Job, report *store.Report, message string) error {
	if err := o.store.FailJob(ctx, job.ID, message); err != nil {
		return err
	}
	o.emitJob(job, report.ID, store.JobFailed)
	if err := o.store.UpdateReportStatus(ctx, report.ID, store.ReportFailed); err != nil {
		return err
	}
	o.emitReport(report.ID, store.ReportFailed)
	return nil
}

// completeJob marks the job complete once its initialized upload kinds are
// terminal, then completes the report when every expected job finished.
func (o *Orchestrator) completeJob(ctx context.Context, job *store.Job, report *store.Report) error {
	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if !uploadsTerminal(current) {
		// Another kind is still transferring; its completion re-runs this
		// path.
		return nil
	}
	if err := o.store.UpdateJobStatus(ctx, job.ID, store.JobComplete); err != nil {
		return err
	}
	o.emitJob(job, report.ID, store.JobComplete)

	completed, err := o.store.CountJobsWithStatus(ctx, report.ID, store.JobComplete)
	if err != nil {
		return err
	}
	if completed >= int64(report.ExpectedJobs) {
		if err := o.store.UpdateReportStatus(ctx, report.ID, store.ReportComplete); err != nil {
			return err
		}
		o.emitReport(report.ID, store.ReportComplete)
	}
	return nil
}

// uploadsTerminal reports whether every initialized upload kind of the job
// reached a terminal sub-status. Kinds the client never initialized do not
// hold the job back.
func uploadsTerminal(job *store.Job) bool {
	for _, status := range []*store.UploadStatus{job.HtmlUploadStatus, job.ScreenshotsUploadStatus, job.JsonUploadStatus} {
		if status == nil {
			continue
		}
		switch *status {
		case store.UploadCompleted, store.UploadFailed, store.UploadTimedOut:
		default:
			return false
		}
	}
	return true
}

// LinkScreenshots associates uploaded screenshots with the cases they
// depict. The match is heuristic: a case's full title equal to the
// screenshot's test name, a full title the test name extends, or a match
// after normalizing path separators to the title joiner. Mismatches are left
// unlinked.
func (o *Orchestrator) LinkScreenshots(ctx context.Context, jobID uuid.UUID) error {
	screenshots, err := o.store.UnlinkedScreenshots(ctx, jobID)
	if err != nil {
		return err
	}
	if len(screenshots) == 0 {
		return nil
	}
	cases, err := o.store.CasesForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return nil
	}

	linked := 0
	for i := range screenshots {
		shot := &screenshots[i]
		match := matchCase(cases, shot.TestName)
		if match == nil {
			continue
		}
		if err := o.store.LinkScreenshot(ctx, shot.ID, match.ID); err != nil {
			o.log.WithError(err).WithField("screenshot", shot.ID).Warn("Could not link screenshot.")
			continue
		}
		linked++
	}
	if linked > 0 {
		o.log.WithFields(logrus.Fields{"job": jobID, "linked": linked}).Debug("Linked screenshots to cases.")
	}
	return nil
}

func matchCase(cases []store.TestCase, testName string) *store.TestCase {
	normalized := strings.ReplaceAll(testName, "/", " > ")
	for i := range cases {
		if cases[i].FullTitle == testName || cases[i].FullTitle == normalized {
			return &cases[i]
		}
	}
	for i := range cases {
		title := cases[i].FullTitle
		if strings.HasPrefix(testName, title) || strings.HasPrefix(normalized, title) {
			return &cases[i]
		}
	}
	return nil
}
