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
	"time"

	"github.com/tsio/tsio/pkg/store"
)

// playwrightReport mirrors the JSON reporter output of Playwright. Suites
// nest arbitrarily; specs carry one test per project with a result per
// attempt.
type playwrightReport struct {
	Suites []playwrightSuite `json:"suites"`
	Stats  struct {
		StartTime string  `json:"startTime"`
		Duration  float64 `json:"duration"`
	} `json:"stats"`
}

type playwrightSuite struct {
	Title  string            `json:"title"`
	File   string            `json:"file"`
	Suites []playwrightSuite `json:"suites"`
	Specs  []playwrightSpec  `json:"specs"`
}

type playwrightSpec struct {
	Title string           `json:"title"`
	Tests []playwrightTest `json:"tests"`
}

type playwrightTest struct {
	// Status is the aggregate outcome: expected, unexpected, flaky or
	// skipped.
	Status  string             `json:"status"`
	Results []playwrightResult `json:"results"`
}

type playwrightResult struct {
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
	Retry    int     `json:"retry"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Attachments json.RawMessage `json:"attachments"`
}

type playwrightParser struct{}

func (playwrightParser) Framework() store.Framework { return store.FrameworkPlaywright }

func (playwrightParser) Parse(r io.Reader) (*Result, error) {
	var report playwrightReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("could not decode playwright report: %w", err)
	}

	result := &Result{}
	for i := range report.Suites {
		collectPlaywrightSuite(&report.Suites[i], nil, result)
	}

	if report.Stats.Duration > 0 {
		duration := int64(report.Stats.Duration)
		result.DurationMS = &duration
	}
	if report.Stats.StartTime != "" {
		if start, err := time.Parse(time.RFC3339Nano, report.Stats.StartTime); err == nil {
			result.StartTime = &start
		}
	}
	return result, nil
}

// collectPlaywrightSuite flattens the nested suite tree: every suite that
// directly carries specs becomes one stored suite titled by its describe
// path.
func collectPlaywrightSuite(suite *playwrightSuite, path []string, result *Result) {
	childPath := path
	if suite.Title != "" {
		childPath = append(append([]string{}, path...), suite.Title)
	}

	if len(suite.Specs) > 0 {
		stored := Suite{
			Title:    joinTitles(path, suite.Title),
			FilePath: suite.File,
		}
		if suite.Title == "" {
			stored.Title = suite.File
		}
		for i := range suite.Specs {
			spec := &suite.Specs[i]
			for j := range spec.Tests {
				c := playwrightCase(spec.Title, childPath, &spec.Tests[j])
				stored.DurationMS += c.DurationMS
				stored.Cases = append(stored.Cases, c)
			}
		}
		result.Suites = append(result.Suites, stored)
	}

	for i := range suite.Suites {
		collectPlaywrightSuite(&suite.Suites[i], childPath, result)
	}
}

// playwrightCase collapses a test's retries into one case: the aggregate
// outcome decides the status, the attempts contribute duration, retry count
// and the failure detail of the last attempt.
func playwrightCase(title string, path []string, test *playwrightTest) Case {
	c := Case{
		Title:     title,
		FullTitle: joinTitles(path, title),
	}

	switch test.Status {
	case "expected":
		c.Status = store.CasePassed
	case "unexpected":
		c.Status = store.CaseFailed
	case "flaky":
		c.Status = store.CaseFlaky
	case "skipped":
		c.Status = store.CaseSkipped
	default:
		c.Status = store.CaseFailed
	}

	timedOut := false
	for i := range test.Results {
		result := &test.Results[i]
		c.DurationMS += int64(result.Duration)
		if result.Retry > c.RetryCount {
			c.RetryCount = result.Retry
		}
		if result.Status == "timedOut" {
			timedOut = true
		}
		if result.Error != nil {
			c.ErrorMessage = strPtr(result.Error.Message)
		}
		if len(result.Attachments) > 0 && string(result.Attachments) != "null" {
			c.Attachments = result.Attachments
		}
	}
	if timedOut && c.Status == store.CaseFailed {
		c.Status = store.CaseTimedOut
	}
	return c
}
