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

package parsers

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tsio/tsio/pkg/store"
)

// cypressReport mirrors the module API / `cypress run` JSON output: one run
// per spec file, tests flattened with their describe path in `title`.
type cypressReport struct {
	Runs          []cypressRun `json:"runs"`
	StartedAt     string       `json:"startedTestsAt"`
	TotalDuration float64      `json:"totalDuration"`
}

type cypressRun struct {
	Spec struct {
		Name     string `json:"name"`
		Relative string `json:"relative"`
	} `json:"spec"`
	Stats struct {
		Duration  float64 `json:"duration"`
		StartedAt string  `json:"startedAt"`
	} `json:"stats"`
	Tests []cypressTest `json:"tests"`
}

type cypressTest struct {
	// Title is the describe path plus the test title, outermost first.
	Title        []string         `json:"title"`
	State        string           `json:"state"`
	Duration     float64          `json:"duration"`
	Attempts     []cypressAttempt `json:"attempts"`
	DisplayError string           `json:"displayError"`
}

type cypressAttempt struct {
	State    string  `json:"state"`
	Duration float64 `json:"duration"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type cypressParser struct{}

func (cypressParser) Framework() store.Framework { return store.FrameworkCypress }

func (cypressParser) Parse(r io.Reader) (*Result, error) {
	var report cypressReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("could not decode cypress report: %w", err)
	}

	result := &Result{}
	for i := range report.Runs {
		run := &report.Runs[i]
		suite := Suite{
			Title:      run.Spec.Name,
			FilePath:   run.Spec.Relative,
			DurationMS: int64(run.Stats.Duration),
		}
		if suite.FilePath == "" {
			suite.FilePath = run.Spec.Name
		}
		if run.Stats.StartedAt != "" {
			if start, err := time.Parse(time.RFC3339Nano, run.Stats.StartedAt); err == nil {
				suite.StartTime = &start
			}
		}
		for j := range run.Tests {
			suite.Cases = append(suite.Cases, cypressCase(&run.Tests[j]))
		}
		result.Suites = append(result.Suites, suite)
	}

	if report.TotalDuration > 0 {
		duration := int64(report.TotalDuration)
		result.DurationMS = &duration
	}
	if report.StartedAt != "" {
		if start, err := time.Parse(time.RFC3339Nano, report.StartedAt); err == nil {
			result.StartTime = &start
		}
	}
	return result, nil
}

func cypressCase(test *cypressTest) Case {
	c := Case{}
	if n := len(test.Title); n > 0 {
		c.Title = test.Title[n-1]
		c.FullTitle = strings.Join(test.Title, " > ")
	}

	switch test.State {
	case "passed":
		c.Status = store.CasePassed
	case "pending":
		c.Status = store.CaseSkipped
	default:
		c.Status = store.CaseFailed
	}

	var attemptTotal int64
	for i := range test.Attempts {
		attempt := &test.Attempts[i]
		attemptTotal += int64(attempt.Duration)
		if attempt.Error != nil && attempt.Error.Message != "" {
			c.ErrorMessage = strPtr(attempt.Error.Message)
		}
	}
	c.DurationMS = int64(test.Duration)
	if c.DurationMS == 0 {
		c.DurationMS = attemptTotal
	}
	// A test that needed more than one attempt but ultimately passed is
	// flaky, matching how the dashboards surface Cypress retries.
	if len(test.Attempts) > 1 {
		c.RetryCount = len(test.Attempts) - 1
		if c.Status == store.CasePassed {
			c.Status = store.CaseFlaky
		}
	}
	if c.ErrorMessage == nil && test.DisplayError != "" {
		c.ErrorMessage = strPtr(test.DisplayError)
	}
	return c
}
