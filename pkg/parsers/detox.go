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

// detoxReport is the Jest JSON output Detox emits: one testResults entry
// per spec file. Depending on the Jest version the per-case leaves are
// found under testResults or assertionResults.
type detoxReport struct {
	StartTime   int64             `json:"startTime"`
	TestResults []detoxSuiteEntry `json:"testResults"`
}

type detoxSuiteEntry struct {
	Name             string      `json:"name"`
	TestFilePath     string      `json:"testFilePath"`
	StartTime        int64       `json:"startTime"`
	EndTime          int64       `json:"endTime"`
	TestResults      []detoxCase `json:"testResults"`
	AssertionResults []detoxCase `json:"assertionResults"`
	PerfStats        struct {
		Start   int64 `json:"start"`
		End     int64 `json:"end"`
		Runtime int64 `json:"runtime"`
	} `json:"perfStats"`
}

type detoxCase struct {
	Title           string   `json:"title"`
	FullName        string   `json:"fullName"`
	AncestorTitles  []string `json:"ancestorTitles"`
	Status          string   `json:"status"`
	Duration        *float64 `json:"duration"`
	FailureMessages []string `json:"failureMessages"`
	Invocations     int      `json:"invocations"`
}

type detoxParser struct{}

func (detoxParser) Framework() store.Framework { return store.FrameworkDetox }

func (detoxParser) Parse(r io.Reader) (*Result, error) {
	var report detoxReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("could not decode detox report: %w", err)
	}

	result := &Result{}
	for i := range report.TestResults {
		entry := &report.TestResults[i]
		suite := Suite{
			Title:    entry.Name,
			FilePath: entry.Name,
		}
		if entry.TestFilePath != "" {
			suite.FilePath = entry.TestFilePath
		}

		start, end := entry.StartTime, entry.EndTime
		if start == 0 {
			start, end = entry.PerfStats.Start, entry.PerfStats.End
		}
		if start > 0 {
			suiteStart := time.UnixMilli(start).UTC()
			suite.StartTime = &suiteStart
			if end > start {
				suite.DurationMS = end - start
			}
		}

		cases := entry.TestResults
		if len(cases) == 0 {
			cases = entry.AssertionResults
		}
		for j := range cases {
			suite.Cases = append(suite.Cases, detoxNormalize(&cases[j]))
		}
		result.Suites = append(result.Suites, suite)
	}

	if report.StartTime > 0 {
		start := time.UnixMilli(report.StartTime).UTC()
		result.StartTime = &start
	}
	return result, nil
}

func detoxNormalize(dc *detoxCase) Case {
	c := Case{Title: dc.Title}
	if dc.FullName != "" {
		c.FullTitle = dc.FullName
	} else {
		c.FullTitle = joinTitles(dc.AncestorTitles, dc.Title)
	}

	switch dc.Status {
	case "passed":
		c.Status = store.CasePassed
	case "pending", "todo", "skipped", "disabled":
		c.Status = store.CaseSkipped
	default:
		c.Status = store.CaseFailed
	}

	if dc.Duration != nil {
		c.DurationMS = int64(*dc.Duration)
	}
	if dc.Invocations > 1 {
		c.RetryCount = dc.Invocations - 1
		if c.Status == store.CasePassed {
			c.Status = store.CaseFlaky
		}
	}
	if len(dc.FailureMessages) > 0 {
		c.ErrorMessage = strPtr(strings.Join(dc.FailureMessages, "\n"))
	}
	return c
}
