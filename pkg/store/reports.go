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
	"fmt"

	"github.com/google/uuid"
)

// ReportFilter narrows and pages report listings.
type ReportFilter struct {
	Limit        int
	Offset       int
	Framework    *Framework
	Status       *ReportStatus
	GithubRepo   *string
	GithubBranch *string
}

// CreateReport inserts a new report. The repository and branch columns are
// denormalized from the metadata blob for filtering.
func (s *Store) CreateReport(ctx context.Context, report *Report) error {
	if report.Status == "" {
		report.Status = ReportInitializing
	}
	if meta := report.GithubMetadata; meta != nil {
		if meta.Repository != "" {
			repo := meta.Repository
			report.GithubRepo = &repo
		}
		if meta.Branch != "" {
			branch := meta.Branch
			report.GithubBranch = &branch
		}
	}
	return s.db.WithContext(ctx).Create(report).Error
}

// GetReport fetches an active report by id.
func (s *Store) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	var report Report
	if err := s.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &report, nil
}

// ListReports returns a page of reports newest-first plus the total count
// matching the filter.
func (s *Store) ListReports(ctx context.Context, filter ReportFilter) ([]Report, int64, error) {
	query := s.db.WithContext(ctx).Model(&Report{})
	if filter.Framework != nil {
		query = query.Where("framework = ?", *filter.Framework)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.GithubRepo != nil {
		query = query.Where("github_repo = ?", *filter.GithubRepo)
	}
	if filter.GithubBranch != nil {
		query = query.Where("github_branch = ?", *filter.GithubBranch)
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
	var reports []Report
	if err := query.Order("id DESC").Find(&reports).Error; err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

// UpdateReportStatus advances a report's status. A report that already
// failed is left untouched: failed is terminal.
func (s *Store) UpdateReportStatus(ctx context.Context, id uuid.UUID, status ReportStatus) error {
	return s.db.WithContext(ctx).Model(&Report{}).
		Where("id = ? AND status <> ?", id, ReportFailed).
		Update("status", status).Error
}

// DeleteReport soft-deletes a report and everything it owns.
func (s *Store) DeleteReport(ctx context.Context, id uuid.UUID) error {
	return s.InTransaction(ctx, func(tx *Store) error {
		result := tx.db.Delete(&Report{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("report %s: %w", id, ErrNotFound)
		}

		var jobIDs []uuid.UUID
		if err := tx.db.Model(&Job{}).Where("report_id = ?", id).Pluck("id", &jobIDs).Error; err != nil {
			return err
		}
		if err := tx.db.Delete(&Job{}, "report_id = ?", id).Error; err != nil {
			return err
		}
		if len(jobIDs) == 0 {
			return nil
		}
		for _, model := range []interface{}{&HtmlFile{}, &ScreenshotFile{}, &JsonFile{}, &TestSuite{}, &TestCase{}} {
			if err := tx.db.Delete(model, "job_id IN ?", jobIDs).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
