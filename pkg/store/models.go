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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. IDs use UUID v7
// (time-ordered) so default creation order equals insertion time without a
// secondary sort column. CreatedAt and UpdatedAt are managed by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field. GORM filters
// soft-deleted records from all queries unless Unscoped() is used.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Framework identifies the test framework that produced a report.
type Framework string

const (
	FrameworkPlaywright Framework = "playwright"
	FrameworkCypress    Framework = "cypress"
	FrameworkDetox      Framework = "detox"
)

// ParseFramework validates a client-supplied framework name.
func ParseFramework(value string) (Framework, error) {
	switch f := Framework(value); f {
	case FrameworkPlaywright, FrameworkCypress, FrameworkDetox:
		return f, nil
	default:
		return "", fmt.Errorf("unknown framework %q, want playwright, cypress or detox", value)
	}
}

// ReportStatus is the lifecycle state of a report. It advances monotonically
// except for failed, which is terminal and reachable from any state.
type ReportStatus string

const (
	ReportInitializing ReportStatus = "initializing"
	ReportUploading    ReportStatus = "uploading"
	ReportProcessing   ReportStatus = "processing"
	ReportComplete     ReportStatus = "complete"
	ReportFailed       ReportStatus = "failed"
)

// JobStatus is the processing state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// UploadStatus is a per-kind upload sub-status. A nil pointer means the kind
// was never initialized for the job.
type UploadStatus string

const (
	UploadStarted   UploadStatus = "started"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
	UploadTimedOut  UploadStatus = "timedout"
)

// FileStatus is the transfer state of a single planned artifact.
type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileUploaded FileStatus = "uploaded"
	FileFailed   FileStatus = "failed"
)

// CaseStatus is the outcome of a single test case.
type CaseStatus string

const (
	CasePassed   CaseStatus = "passed"
	CaseFailed   CaseStatus = "failed"
	CaseSkipped  CaseStatus = "skipped"
	CaseFlaky    CaseStatus = "flaky"
	CaseTimedOut CaseStatus = "timedOut"
)

// Role orders callers by privilege: viewer < contributor < admin.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleAdmin       Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleContributor:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

// AtLeast reports whether r grants at minimum the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= 0 && r.rank() >= other.rank()
}

// ParseRole validates a client-supplied role name.
func ParseRole(value string) (Role, error) {
	switch r := Role(value); r {
	case RoleViewer, RoleContributor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q, want viewer, contributor or admin", value)
	}
}

// ArtifactKind selects one of the three per-kind upload tables.
type ArtifactKind string

const (
	KindHTML        ArtifactKind = "html"
	KindScreenshots ArtifactKind = "screenshots"
	KindJSON        ArtifactKind = "json"
)

// ParseArtifactKind validates a path-supplied artifact kind.
func ParseArtifactKind(value string) (ArtifactKind, error) {
	switch k := ArtifactKind(value); k {
	case KindHTML, KindScreenshots, KindJSON:
		return k, nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", value)
	}
}

// GithubMetadata is the optional CI context attached to a report at
// registration. Stored as a JSON text column; repository and branch are
// additionally denormalized onto the report row for filtering.
type GithubMetadata struct {
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Sha        string `json:"sha,omitempty"`
	Actor      string `json:"actor,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	PRNumber   *int   `json:"pr_number,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
}

func (m GithubMetadata) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *GithubMetadata) Scan(value interface{}) error {
	switch raw := value.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(raw), m)
	case []byte:
		return json.Unmarshal(raw, m)
	default:
		return fmt.Errorf("cannot scan %T into GithubMetadata", value)
	}
}

// JSON stores raw JSON bytes in a text column without interpreting them.
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	switch raw := value.(type) {
	case nil:
		*j = nil
	case string:
		*j = JSON(raw)
	case []byte:
		*j = append((*j)[:0], raw...)
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Report is a logical test run composed of one or more parallel jobs.
// Reports are never hard-deleted.
type Report struct {
	SoftDelete
	ExpectedJobs   int             `gorm:"not null" json:"expected_jobs"`
	Framework      Framework       `gorm:"type:text;not null" json:"framework"`
	Status         ReportStatus    `gorm:"type:text;not null;default:'initializing';index" json:"status"`
	GithubMetadata *GithubMetadata `gorm:"type:text" json:"github_metadata,omitempty"`
	// GithubRepo and GithubBranch mirror the metadata blob so list queries
	// can filter without parsing JSON.
	GithubRepo   *string `gorm:"index" json:"-"`
	GithubBranch *string `gorm:"index" json:"-"`
}

// Job is a parallel shard within a report. The three upload sub-statuses are
// independent of the processing status.
type Job struct {
	SoftDelete
	ReportID uuid.UUID `gorm:"type:text;not null;index" json:"report_id"`
	Status   JobStatus `gorm:"type:text;not null;default:'pending'" json:"status"`

	HtmlUploadStatus        *UploadStatus `gorm:"type:text" json:"html_upload_status,omitempty"`
	ScreenshotsUploadStatus *UploadStatus `gorm:"type:text" json:"screenshots_upload_status,omitempty"`
	JsonUploadStatus        *UploadStatus `gorm:"type:text" json:"json_upload_status,omitempty"`

	// HtmlPath is the object-store key prefix, set once the html kind
	// completes.
	HtmlPath *string `json:"html_path,omitempty"`

	// GithubJobID carries the CI job identity used for idempotent
	// registration: (report_id, github_job_id) is unique among active rows.
	GithubJobID   *string        `gorm:"index" json:"github_job_id,omitempty"`
	GithubJobName *string        `json:"github_job_name,omitempty"`
	Environment   pq.StringArray `gorm:"type:text[]" json:"environment,omitempty"`

	DurationMS   *int64     `json:"duration_ms,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// HtmlFile is a planned or completed upload of one HTML artifact.
type HtmlFile struct {
	SoftDelete
	JobID       uuid.UUID  `gorm:"type:text;not null;index" json:"job_id"`
	Filename    string     `gorm:"not null" json:"filename"`
	StorageKey  string     `gorm:"not null" json:"storage_key"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Status      FileStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`
}

// ScreenshotFile is a planned or completed upload of one screenshot.
// TestName is derived from the first path segment; TestCaseID is a weak
// back-reference set by the screenshot linker after JSON extraction.
type ScreenshotFile struct {
	SoftDelete
	JobID       uuid.UUID  `gorm:"type:text;not null;index" json:"job_id"`
	Filename    string     `gorm:"not null" json:"filename"`
	StorageKey  string     `gorm:"not null" json:"storage_key"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Status      FileStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`

	TestName   string     `gorm:"index" json:"test_name"`
	Sequence   int        `gorm:"not null;default:0" json:"sequence"`
	TestCaseID *uuid.UUID `gorm:"type:text;index" json:"test_case_id,omitempty"`
}

// JsonFile is a planned or completed upload of one JSON results artifact.
type JsonFile struct {
	SoftDelete
	JobID       uuid.UUID  `gorm:"type:text;not null;index" json:"job_id"`
	Filename    string     `gorm:"not null" json:"filename"`
	StorageKey  string     `gorm:"not null" json:"storage_key"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Status      FileStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`

	ExtractedAt     *time.Time `json:"extracted_at,omitempty"`
	ExtractionError *string    `json:"extraction_error,omitempty"`
}

// TestSuite groups cases within a job, with parser-populated aggregates.
type TestSuite struct {
	SoftDelete
	JobID      uuid.UUID  `gorm:"type:text;not null;index" json:"job_id"`
	Title      string     `gorm:"not null" json:"title"`
	FilePath   string     `json:"file_path"`
	TotalTests int        `json:"total_tests"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Flaky      int        `json:"flaky"`
	DurationMS int64      `json:"duration_ms"`
	StartTime  *time.Time `json:"start_time,omitempty"`
}

// TestCase is one logical test. Retries of the same logical test share
// FullTitle; callers group by that column.
type TestCase struct {
	SoftDelete
	SuiteID      uuid.UUID  `gorm:"type:text;not null;index" json:"suite_id"`
	JobID        uuid.UUID  `gorm:"type:text;not null;index" json:"job_id"`
	Title        string     `gorm:"not null" json:"title"`
	FullTitle    string     `gorm:"not null;index" json:"full_title"`
	Status       CaseStatus `gorm:"type:text;not null" json:"status"`
	DurationMS   int64      `json:"duration_ms"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Attachments  JSON       `gorm:"type:text" json:"attachments,omitempty"`
	Sequence     int        `gorm:"not null;default:0" json:"sequence"`
}

// ApiKey is an opaque database-backed credential. Only the SHA-256 of the
// full key is stored; the raw value exists transiently during creation and
// during comparison on each request.
type ApiKey struct {
	SoftDelete
	KeyHash    string     `gorm:"not null;index" json:"-"`
	KeyPrefix  string     `gorm:"not null" json:"key_prefix"`
	Name       string     `gorm:"not null" json:"name"`
	Role       Role       `gorm:"type:text;not null" json:"role"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the key's optional expiry has passed.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// OidcPolicy maps a repository pattern to a role for CI OIDC callers.
// Patterns are either owner/name (exact) or owner/* (owner-scoped wildcard);
// a bare * never matches. Policies may not grant admin.
type OidcPolicy struct {
	SoftDelete
	RepositoryPattern string `gorm:"not null" json:"repository_pattern"`
	Role              Role   `gorm:"type:text;not null" json:"role"`
	Enabled           bool   `gorm:"not null;default:true" json:"enabled"`
	Description       string `json:"description,omitempty"`
}

// User is a GitHub OAuth identity.
type User struct {
	SoftDelete
	GithubID    int64      `gorm:"not null;index" json:"github_id"`
	Username    string     `gorm:"not null" json:"username"`
	DisplayName *string    `json:"display_name,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	Role        Role       `gorm:"type:text;not null;default:'viewer'" json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// RefreshToken stores the SHA-256 hash of a browser refresh token; the raw
// value is never stored. Rotation revokes the prior row and inserts a new
// one atomically.
type RefreshToken struct {
	Base
	UserID    uuid.UUID  `gorm:"type:text;not null;index" json:"user_id"`
	TokenHash string     `gorm:"not null;uniqueIndex" json:"-"`
	ExpiresAt time.Time  `gorm:"not null;index" json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ReportOidcClaim is the audit record stored 1:1 with a report when the
// upload was authenticated via OIDC. It persists exactly the safe public CI
// claims; jti, iss, aud, exp, iat and nbf are deliberately dropped.
type ReportOidcClaim struct {
	Base
	ReportID uuid.UUID `gorm:"type:text;not null;index" json:"report_id"`

	Sub               string `json:"sub"`
	Repository        string `json:"repository"`
	RepositoryOwner   string `json:"repository_owner"`
	RepositoryID      string `json:"repository_id"`
	RepositoryOwnerID string `json:"repository_owner_id"`
	Actor             string `json:"actor"`
	ActorID           string `json:"actor_id"`
	RunID             string `json:"run_id"`
	RunNumber         string `json:"run_number"`
	RunAttempt        string `json:"run_attempt"`
	Workflow          string `json:"workflow"`
	EventName         string `json:"event_name"`
	Ref               string `json:"ref"`

	ResolvedRole  Role   `gorm:"type:text" json:"resolved_role"`
	RequestPath   string `json:"request_path"`
	RequestMethod string `json:"request_method"`
}
