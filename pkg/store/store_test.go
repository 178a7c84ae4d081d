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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	// Every new connection to an in-memory sqlite database sees a fresh,
	// empty database, so the pool must stay at a single connection.
	sqlDB.SetMaxOpenConns(1)
	s := NewWithDB(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func mustCreateReport(t *testing.T, s *Store, report *Report) *Report {
	t.Helper()
	if err := s.CreateReport(context.Background(), report); err != nil {
		t.Fatalf("failed to create report: %v", err)
	}
	return report
}

func mustRegisterJob(t *testing.T, s *Store, job *Job) *Job {
	t.Helper()
	registered, existed, err := s.RegisterJob(context.Background(), job)
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}
	if existed {
		t.Fatalf("job unexpectedly existed already")
	}
	return registered
}

func TestCreateReportDenormalizesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	report := mustCreateReport(t, s, &Report{
		ExpectedJobs: 2,
		Framework:    FrameworkPlaywright,
		GithubMetadata: &GithubMetadata{
			Repository: "acme/web",
			Branch:     "main",
			Actor:      "octocat",
		},
	})

	got, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}
	if got.Status != ReportInitializing {
		t.Errorf("expected status %q, got %q", ReportInitializing, got.Status)
	}
	if got.GithubRepo == nil || *got.GithubRepo != "acme/web" {
		t.Errorf("expected denormalized repo acme/web, got %v", got.GithubRepo)
	}
	if got.GithubBranch == nil || *got.GithubBranch != "main" {
		t.Errorf("expected denormalized branch main, got %v", got.GithubBranch)
	}
	if got.GithubMetadata == nil || got.GithubMetadata.Actor != "octocat" {
		t.Errorf("expected metadata to round-trip, got %+v", got.GithubMetadata)
	}
}

func TestGetReportUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetReport(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReportStatusFailedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkCypress})

	steps := []ReportStatus{ReportUploading, ReportProcessing, ReportComplete}
	for _, status := range steps {
		if err := s.UpdateReportStatus(ctx, report.ID, status); err != nil {
			t.Fatalf("failed to update status to %q: %v", status, err)
		}
		got, err := s.GetReport(ctx, report.ID)
		if err != nil {
			t.Fatalf("failed to get report: %v", err)
		}
		if got.Status != status {
			t.Errorf("expected status %q, got %q", status, got.Status)
		}
	}

	if err := s.UpdateReportStatus(ctx, report.ID, ReportFailed); err != nil {
		t.Fatalf("failed to fail report: %v", err)
	}
	if err := s.UpdateReportStatus(ctx, report.ID, ReportComplete); err != nil {
		t.Fatalf("updating a failed report should be a no-op, got %v", err)
	}
	got, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}
	if got.Status != ReportFailed {
		t.Errorf("expected failed to stick, got %q", got.Status)
	}
}

func TestListReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright, GithubMetadata: &GithubMetadata{Repository: "acme/web", Branch: "main"}})
	second := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkCypress, GithubMetadata: &GithubMetadata{Repository: "acme/api", Branch: "main"}})
	third := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright, GithubMetadata: &GithubMetadata{Repository: "acme/web", Branch: "release"}})
	if err := s.UpdateReportStatus(ctx, third.ID, ReportComplete); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	playwright := FrameworkPlaywright
	complete := ReportComplete
	testCases := []struct {
		name          string
		filter        ReportFilter
		expectedIDs   []uuid.UUID
		expectedTotal int64
	}{
		{
			name:          "no filter returns newest first",
			filter:        ReportFilter{},
			expectedIDs:   []uuid.UUID{third.ID, second.ID, first.ID},
			expectedTotal: 3,
		},
		{
			name:          "filter by framework",
			filter:        ReportFilter{Framework: &playwright},
			expectedIDs:   []uuid.UUID{third.ID, first.ID},
			expectedTotal: 2,
		},
		{
			name:          "filter by status",
			filter:        ReportFilter{Status: &complete},
			expectedIDs:   []uuid.UUID{third.ID},
			expectedTotal: 1,
		},
		{
			name:          "filter by repository",
			filter:        ReportFilter{GithubRepo: strPtr("acme/api")},
			expectedIDs:   []uuid.UUID{second.ID},
			expectedTotal: 1,
		},
		{
			name:          "filter by branch",
			filter:        ReportFilter{GithubBranch: strPtr("release")},
			expectedIDs:   []uuid.UUID{third.ID},
			expectedTotal: 1,
		},
		{
			name:          "pagination keeps total",
			filter:        ReportFilter{Limit: 1, Offset: 1},
			expectedIDs:   []uuid.UUID{second.ID},
			expectedTotal: 3,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reports, total, err := s.ListReports(ctx, tc.filter)
			if err != nil {
				t.Fatalf("failed to list reports: %v", err)
			}
			if total != tc.expectedTotal {
				t.Errorf("expected total %d, got %d", tc.expectedTotal, total)
			}
			var ids []uuid.UUID
			for _, r := range reports {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff(tc.expectedIDs, ids); diff != "" {
				t.Errorf("unexpected report ids: %s", diff)
			}
		})
	}
}

func TestRegisterJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 2, Framework: FrameworkPlaywright})

	job, existed, err := s.RegisterJob(ctx, &Job{ReportID: report.ID, GithubJobID: strPtr("12345")})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}
	if existed {
		t.Fatalf("first registration should not report an existing job")
	}

	again, existed, err := s.RegisterJob(ctx, &Job{ReportID: report.ID, GithubJobID: strPtr("12345")})
	if err != nil {
		t.Fatalf("failed to re-register job: %v", err)
	}
	if !existed {
		t.Errorf("re-registration should report the existing job")
	}
	if again.ID != job.ID {
		t.Errorf("expected the original job %s back, got %s", job.ID, again.ID)
	}

	other, existed, err := s.RegisterJob(ctx, &Job{ReportID: report.ID, GithubJobID: strPtr("67890")})
	if err != nil {
		t.Fatalf("failed to register second job: %v", err)
	}
	if existed || other.ID == job.ID {
		t.Errorf("a different github job id should create a new job")
	}

	total, err := s.CountJobs(ctx, report.ID)
	if err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 jobs, got %d", total)
	}
}

func TestRegisterJobWithoutGithubIDAlwaysCreates(t *testing.T) {
	s := newTestStore(t)
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 2, Framework: FrameworkDetox})

	first := mustRegisterJob(t, s, &Job{ReportID: report.ID})
	second := mustRegisterJob(t, s, &Job{ReportID: report.ID})
	if first.ID == second.ID {
		t.Fatalf("jobs without a github job id must not deduplicate")
	}
}

func TestActiveJobUniquenessSurvivesSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	job := mustRegisterJob(t, s, &Job{ReportID: report.ID, GithubJobID: strPtr("555")})

	// A direct duplicate insert trips the partial unique index.
	err := s.db.Create(&Job{ReportID: report.ID, GithubJobID: strPtr("555")}).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	if err := s.db.Delete(&Job{}, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("failed to soft-delete job: %v", err)
	}

	// Once the old row is soft-deleted the same identity is free again.
	replacement, existed, err := s.RegisterJob(ctx, &Job{ReportID: report.ID, GithubJobID: strPtr("555")})
	if err != nil {
		t.Fatalf("failed to register replacement job: %v", err)
	}
	if existed {
		t.Errorf("replacement registration should not see the deleted job")
	}
	if replacement.ID == job.ID {
		t.Errorf("replacement should be a new row")
	}
}

func TestGetReportJobChecksOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mine := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	theirs := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	job := mustRegisterJob(t, s, &Job{ReportID: mine.ID})

	if _, err := s.GetReportJob(ctx, mine.ID, job.ID); err != nil {
		t.Fatalf("failed to get own job: %v", err)
	}
	if _, err := s.GetReportJob(ctx, theirs.ID, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign job, got %v", err)
	}
}

func TestJobUploadStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	job := mustRegisterJob(t, s, &Job{ReportID: report.ID})

	for _, kind := range []ArtifactKind{KindHTML, KindScreenshots, KindJSON} {
		status, err := s.GetUploadStatus(ctx, job.ID, kind)
		if err != nil {
			t.Fatalf("failed to get %s upload status: %v", kind, err)
		}
		if status != nil {
			t.Errorf("expected nil %s upload status before init, got %q", kind, *status)
		}
	}

	if err := s.SetUploadStatus(ctx, job.ID, KindScreenshots, UploadStarted); err != nil {
		t.Fatalf("failed to set upload status: %v", err)
	}
	status, err := s.GetUploadStatus(ctx, job.ID, KindScreenshots)
	if err != nil {
		t.Fatalf("failed to get upload status: %v", err)
	}
	if status == nil || *status != UploadStarted {
		t.Errorf("expected started, got %v", status)
	}
	// The other kinds are untouched.
	if status, _ := s.GetUploadStatus(ctx, job.ID, KindHTML); status != nil {
		t.Errorf("expected html kind to stay nil, got %q", *status)
	}

	if err := s.SetUploadStatus(ctx, job.ID, ArtifactKind("bogus"), UploadStarted); err == nil {
		t.Errorf("expected an error for an unknown kind")
	}
}

func TestInitFilesToleratesDuplicateInserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	job := mustRegisterJob(t, s, &Job{ReportID: report.ID})

	// The same filename twice in one batch bypasses the already-planned
	// lookup, exactly like a concurrent init racing past it. The insert must
	// not surface the unique-index conflict; the surviving plan wins.
	plan, err := s.InitJsonFiles(ctx, job.ID, []JsonFile{
		{Filename: "results.json", StorageKey: "k1"},
		{Filename: "results.json", StorageKey: "k1-duplicate"},
	})
	if err != nil {
		t.Fatalf("InitJsonFiles failed on a duplicate filename: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("expected one planned file, got %d", len(plan))
	}
	if plan[0].StorageKey != "k1" {
		t.Errorf("expected the first insert to win, got key %q", plan[0].StorageKey)
	}

	shots, err := s.InitScreenshotFiles(ctx, job.ID, []ScreenshotFile{
		{Filename: "login/start.png", StorageKey: "s1"},
		{Filename: "login/start.png", StorageKey: "s1-duplicate"},
	})
	if err != nil {
		t.Fatalf("InitScreenshotFiles failed on a duplicate filename: %v", err)
	}
	if len(shots) != 1 {
		t.Fatalf("expected one planned screenshot, got %d", len(shots))
	}
}

func TestDeleteReportCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	other := mustCreateReport(t, s, &Report{ExpectedJobs: 1, Framework: FrameworkPlaywright})
	job := mustRegisterJob(t, s, &Job{ReportID: report.ID})
	otherJob := mustRegisterJob(t, s, &Job{ReportID: other.ID})

	if _, err := s.InitHtmlFiles(ctx, job.ID, []HtmlFile{{Filename: "index.html", StorageKey: "k1"}}); err != nil {
		t.Fatalf("failed to init html files: %v", err)
	}
	if _, err := s.InitJsonFiles(ctx, otherJob.ID, []JsonFile{{Filename: "results.json", StorageKey: "k2"}}); err != nil {
		t.Fatalf("failed to init json files: %v", err)
	}
	suite := TestSuite{JobID: job.ID, Title: "login", TotalTests: 1, Passed: 1}
	if err := s.CreateSuites(ctx, []TestSuite{suite}); err != nil {
		t.Fatalf("failed to create suite: %v", err)
	}

	if err := s.DeleteReport(ctx, report.ID); err != nil {
		t.Fatalf("failed to delete report: %v", err)
	}

	if _, err := s.GetReport(ctx, report.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted report to be gone, got %v", err)
	}
	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted job to be gone, got %v", err)
	}
	files, err := s.ListFiles(ctx, job.ID, KindHTML)
	if err != nil {
		t.Fatalf("failed to list files: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files after delete, got %d", len(files))
	}
	suites, err := s.SuitesForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list suites: %v", err)
	}
	if len(suites) != 0 {
		t.Errorf("expected no suites after delete, got %d", len(suites))
	}

	// The sibling report is untouched.
	if _, err := s.GetReport(ctx, other.ID); err != nil {
		t.Errorf("expected sibling report to survive, got %v", err)
	}
	otherFiles, err := s.ListFiles(ctx, otherJob.ID, KindJSON)
	if err != nil {
		t.Fatalf("failed to list sibling files: %v", err)
	}
	if len(otherFiles) != 1 {
		t.Errorf("expected sibling files to survive, got %d", len(otherFiles))
	}

	if err := s.DeleteReport(ctx, report.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected second delete to report not found, got %v", err)
	}
}
