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
	"strings"

	"github.com/google/uuid"
)

// CaseFilter narrows ListCases. Nil fields match everything.
type CaseFilter struct {
	JobID   *uuid.UUID
	SuiteID *uuid.UUID
	Status  *CaseStatus
	Limit   int
	Offset  int
}

// ResultTotals aggregates suite counters across a report.
type ResultTotals struct {
	TotalTests int   `json:"total_tests"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Flaky      int   `json:"flaky"`
	DurationMS int64 `json:"duration_ms"`
}

// CreateSuites inserts extracted suites in batches.
func (s *Store) CreateSuites(ctx context.Context, suites []TestSuite) error {
	if len(suites) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(suites, 100).Error
}

// CreateCases inserts extracted cases in batches.
func (s *Store) CreateCases(ctx context.Context, cases []TestCase) error {
	if len(cases) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(cases, 100).Error
}

// SuiteFilter narrows ListSuites. Nil fields match everything.
type SuiteFilter struct {
	JobID  *uuid.UUID
	Limit  int
	Offset int
}

// GetSuite fetches a suite by id.
func (s *Store) GetSuite(ctx context.Context, id uuid.UUID) (*TestSuite, error) {
	var suite TestSuite
	if err := s.db.WithContext(ctx).First(&suite, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &suite, nil
}

// ListSuites returns suites matching the filter in extraction order, plus
// the total count before pagination.
func (s *Store) ListSuites(ctx context.Context, filter SuiteFilter) ([]TestSuite, int64, error) {
	query := s.db.WithContext(ctx).Model(&TestSuite{})
	if filter.JobID != nil {
		query = query.Where("job_id = ?", *filter.JobID)
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
	var suites []TestSuite
	if err := query.Order("id ASC").Find(&suites).Error; err != nil {
		return nil, 0, err
	}
	return suites, total, nil
}

// SuitesForJob returns the suites of a job in extraction order.
func (s *Store) SuitesForJob(ctx context.Context, jobID uuid.UUID) ([]TestSuite, error) {
	var suites []TestSuite
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&suites).Error
	return suites, err
}

// SuitesForReport returns the suites of every active job of a report.
func (s *Store) SuitesForReport(ctx context.Context, reportID uuid.UUID) ([]TestSuite, error) {
	var suites []TestSuite
	err := s.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = test_suites.job_id AND jobs.deleted_at IS NULL").
		Where("jobs.report_id = ?", reportID).
		Order("test_suites.id ASC").
		Find(&suites).Error
	return suites, err
}

// ReportResultTotals sums suite counters across a report's active jobs.
func (s *Store) ReportResultTotals(ctx context.Context, reportID uuid.UUID) (ResultTotals, error) {
	var totals ResultTotals
	row := s.db.WithContext(ctx).Model(&TestSuite{}).
		Joins("JOIN jobs ON jobs.id = test_suites.job_id AND jobs.deleted_at IS NULL").
		Where("jobs.report_id = ?", reportID).
		Select("COALESCE(SUM(total_tests), 0), COALESCE(SUM(passed), 0), COALESCE(SUM(failed), 0), COALESCE(SUM(skipped), 0), COALESCE(SUM(flaky), 0), COALESCE(SUM(test_suites.duration_ms), 0)").
		Row()
	err := row.Scan(&totals.TotalTests, &totals.Passed, &totals.Failed, &totals.Skipped, &totals.Flaky, &totals.DurationMS)
	return totals, err
}

// ListCases returns cases matching the filter in extraction order, plus the
// total count before pagination.
func (s *Store) ListCases(ctx context.Context, filter CaseFilter) ([]TestCase, int64, error) {
	query := s.db.WithContext(ctx).Model(&TestCase{})
	if filter.JobID != nil {
		query = query.Where("job_id = ?", *filter.JobID)
	}
	if filter.SuiteID != nil {
		query = query.Where("suite_id = ?", *filter.SuiteID)
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
	var cases []TestCase
	if err := query.Order("sequence ASC, id ASC").Find(&cases).Error; err != nil {
		return nil, 0, err
	}
	return cases, total, nil
}

// CasesForJob returns every case of a job in extraction order.
func (s *Store) CasesForJob(ctx context.Context, jobID uuid.UUID) ([]TestCase, error) {
	var cases []TestCase
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC, id ASC").
		Find(&cases).Error
	return cases, err
}

// escapeLike neutralizes LIKE wildcards in user input so a search for "50%"
// matches the literal characters.
func escapeLike(input string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(input)
}

// SearchCases finds cases of a report whose title or full title contains the
// query, case-insensitively.
func (s *Store) SearchCases(ctx context.Context, reportID uuid.UUID, query string, limit, offset int) ([]TestCase, int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	base := s.db.WithContext(ctx).Model(&TestCase{}).
		Joins("JOIN jobs ON jobs.id = test_cases.job_id AND jobs.deleted_at IS NULL").
		Where("jobs.report_id = ?", reportID).
		Where(`LOWER(test_cases.full_title) LIKE LOWER(?) ESCAPE '\' OR LOWER(test_cases.title) LIKE LOWER(?) ESCAPE '\'`, pattern, pattern)
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		base = base.Limit(limit)
	}
	if offset > 0 {
		base = base.Offset(offset)
	}
	var cases []TestCase
	if err := base.Order("test_cases.id ASC").Find(&cases).Error; err != nil {
		return nil, 0, err
	}
	return cases, total, nil
}
