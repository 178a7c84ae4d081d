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

// Package version holds variables that identify a tsio binary's name and version
package version

import (
	"fmt"
	"regexp"
	"time"
)

var (
	// Name is the colloquial identifier for the compiled component
	Name = "unset"
	// Version is a concatenation of the build date and commit SHA, set at link time
	Version = "0"
	// reVersion extracts the build date from "v${build_date}-${git_commit}"
	reVersion = regexp.MustCompile(`v(\d+)-.*`)
)

// UserAgent exposes the component's name and version for user-agent headers
func UserAgent() string {
	return Name + "/" + Version
}

// VersionTimestamp returns the timestamp of the build date derived from Version
func VersionTimestamp() (int64, error) {
	var ver int64
	m := reVersion.FindStringSubmatch(Version)
	if len(m) < 2 {
		return ver, fmt.Errorf("version expected to be in form 'v${build_date}-${git_commit}': %q", Version)
	}
	t, err := time.Parse("20060102", m[1])
	if err != nil {
		return ver, err
	}
	return t.Unix(), nil
}
