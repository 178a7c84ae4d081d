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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobFilter narrows ListJobs. Nil fields match everything.
type JobFilter struct {
	ReportID *uuid.UUID
	Status   *JobStatus
	Limit    int
	Offset   int
}

// RegisterJob creates a job under a report. Registration is idempotent on
// (report_id, github_job_id): when an active job with the same GitHub job ID
// already exists, that job is returned with existed set instead of an error.
func (s *Store) RegisterJob(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.GithubJobID != nil {
		existing, err := s.findJobByGithubJobID(ctx, job.ReportID, *job.GithubJobID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		// A concurrent registration for the same GitHub job can win the
		// race between our lookup and the insert. The partial unique
		// index surfaces that as a duplicate key; hand back the winner.
		if job.GithubJobID != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, lookupErr := s.findJobByGithubJobID(ctx, job.ReportID, *job.GithubJobID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return job, false, nil
}

func (s *Store) findJobByGithubJobID(ctx context.Context, reportID uuid.UUID, githubJobID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Where("report_id = ? AND github_job_id = ?", reportID, githubJobID).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetReportJob fetches a job and verifies it belongs to the given report.
// A job that exists under a different report is reported as not found.
func (s *Store) GetReportJob(ctx context.Context, reportID, jobID uuid.UUID) (*Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ReportID != reportID {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first, plus the total
// count before pagination.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, int64, error) {
	query := s.db.WithContext(ctx).Model(&Job{})
	if filter.ReportID != nil {
		query = query.Where("report_id = ?", *filter.ReportID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var jobs []Job
	if err := query.Order("id DESC").Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// JobsForReport returns every active job of a report in registration order.
func (s *Store) JobsForReport(ctx context.Context, reportID uuid.UUID) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// UpdateJobStatus moves a job through its lifecycle.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus) error {
	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update("status", status).Error
}

// FailJob marks a job failed and records the reason.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        JobFailed,
		"error_message": message,
	}).Error
}

func uploadStatusColumn(kind ArtifactKind) (string, error) {
	switch kind {
	case KindHTML:
		return "html_upload_status", nil
	case KindScreenshots:
		return "screenshots_upload_status", nil
	case KindJSON:
		return "json_upload_status", nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// SetUploadStatus records the per-artifact-kind upload phase on a job.
func (s *Store) SetUploadStatus(ctx context.Context, id uuid.UUID, kind ArtifactKind, status UploadStatus) error {
	column, err := uploadStatusColumn(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update(column, status).Error
}

// GetUploadStatus reads the per-artifact-kind upload phase of a job. A kind
// that was never initialized reads as nil.
func (s *Store) GetUploadStatus(ctx context.Context, id uuid.UUID, kind ArtifactKind) (*UploadStatus, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindHTML:
		return job.HtmlUploadStatus, nil
	case KindScreenshots:
		return job.ScreenshotsUploadStatus, nil
	case KindJSON:
		return job.JsonUploadStatus, nil
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// SetJobHTMLPath records the object store prefix the job's HTML report was
// uploaded under.
func (s *Store) SetJobHTMLPath(ctx context.Context, id uuid.UUID, path string) error {
	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update("html_path", path).Error
}

// SetJobTiming stores the wall-clock bounds extracted from uploaded results.
func (s *Store) SetJobTiming(ctx context.Context, id uuid.UUID, durationMS *int64, startTime *time.Time) error {
	updates := map[string]interface{}{}
	if durationMS != nil {
		updates["duration_ms"] = *durationMS
	}
	if startTime != nil {
		updates["start_time"] = *startTime
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates).Error
}

// CountJobs returns how many active jobs a report has.
func (s *Store) CountJobs(ctx context.Context, reportID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Job{}).Where("report_id = ?", reportID).Count(&total).Error
	return total, err
}

// CountJobsWithStatus returns how many of a report's jobs are in the given
// lifecycle state.
func (s *Store) CountJobsWithStatus(ctx context.Context, reportID uuid.UUID, status JobStatus) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("report_id = ? AND status = ?", reportID, status).
		Count(&total).Error
	return total, err
}
