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

// Package store implements typed persistence for reports, jobs, artifact
// files, suites, cases, keys, policies, users and refresh tokens.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested entity does not exist or is
// soft-deleted.
var ErrNotFound = errors.New("not found")

// Options configures the connection pool.
type Options struct {
	URL            string
	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// Store wraps the relational database handle. All methods are safe for
// concurrent use; access goes through the bounded pool underneath.
type Store struct {
	db *gorm.DB
}

// New opens a postgres-backed store and configures the pool bounds.
func New(opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(opts.URL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("could not get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxConnections)
	sqlDB.SetMaxIdleConns(opts.MinConnections)
	sqlDB.SetConnMaxIdleTime(opts.IdleTimeout)
	sqlDB.SetConnMaxLifetime(opts.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Tests use this with SQLite.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema and the partial unique indexes that enforce
// active-row uniqueness under soft deletion. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&Report{},
		&Job{},
		&HtmlFile{},
		&ScreenshotFile{},
		&JsonFile{},
		&TestSuite{},
		&TestCase{},
		&ApiKey{},
		&OidcPolicy{},
		&User{},
		&RefreshToken{},
		&ReportOidcClaim{},
	); err != nil {
		return fmt.Errorf("could not migrate schema: %w", err)
	}

	// Uniqueness applies to active rows only, so plain unique indexes
	// cannot express it. Partial indexes are valid on both postgres and
	// sqlite.
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_html_files_job_filename_active ON html_files (job_id, filename) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_screenshot_files_job_filename_active ON screenshot_files (job_id, filename) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_json_files_job_filename_active ON json_files (job_id, filename) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_report_github_job_active ON jobs (report_id, github_job_id) WHERE deleted_at IS NULL AND github_job_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_key_hash_active ON api_keys (key_hash) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_github_id_active ON users (github_id) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_report_oidc_claims_report ON report_oidc_claims (report_id)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("could not create index: %w", err)
		}
	}
	return nil
}

// Ready reports whether the database answers a ping.
func (s *Store) Ready(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// InTransaction runs fn against a transactional store. A returned error
// rolls the transaction back.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// notFound maps gorm's sentinel onto ours so callers never import gorm.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
