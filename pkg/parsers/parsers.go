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

// Package parsers normalizes framework-specific JSON test reports into
// suites and cases. One parser exists per supported framework; the
// ingestion orchestrator looks it up by the report's framework and persists
// whatever it emits.
package parsers

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tsio/tsio/pkg/store"
)

// Case is one normalized test result within a suite.
type Case struct {
	Title        string
	FullTitle    string
	Status       store.CaseStatus
	DurationMS   int64
	RetryCount   int
	ErrorMessage *string
	Attachments  json.RawMessage
}

// Suite groups the cases of one spec file or describe block.
type Suite struct {
	Title      string
	FilePath   string
	DurationMS int64
	StartTime  *time.Time
	Cases      []Case
}

// Counts aggregates the suite's cases the way the relational model stores
// them.
func (s *Suite) Counts() (total, passed, failed, skipped, flaky int) {
	for i := range s.Cases {
		total++
		switch s.Cases[i].Status {
		case store.CasePassed:
			passed++
		case store.CaseFailed, store.CaseTimedOut:
			failed++
		case store.CaseSkipped:
			skipped++
		case store.CaseFlaky:
			flaky++
		}
	}
	return total, passed, failed, skipped, flaky
}

// Result is everything one JSON artifact yields.
type Result struct {
	Suites     []Suite
	DurationMS *int64
	StartTime  *time.Time
}

// Parser turns one framework's JSON report into a Result. Parsers must not
// panic on malformed input; they return an error the orchestrator records
// as the file's extraction error.
type Parser interface {
	Framework() store.Framework
	Parse(r io.Reader) (*Result, error)
}

// ForFramework returns the parser for a report's framework.
func ForFramework(framework store.Framework) (Parser, error) {
	switch framework {
	case store.FrameworkPlaywright:
		return playwrightParser{}, nil
	case store.FrameworkCypress:
		return cypressParser{}, nil
	case store.FrameworkDetox:
		return detoxParser{}, nil
	default:
		return nil, fmt.Errorf("no parser for framework %q", framework)
	}
}

// joinTitles renders a full title from a describe path, matching how the
// frameworks display nested titles.
func joinTitles(path []string, title string) string {
	full := ""
	for _, segment := range path {
		if segment == "" {
			continue
		}
		if full != "" {
			full += " > "
		}
		full += segment
	}
	if full == "" {
		return title
	}
	return full + " > " + title
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
