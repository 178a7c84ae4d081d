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

package upload

import (
	"path"
	"strings"

	"github.com/tsio/tsio/pkg/store"
)

const mib = 1024 * 1024

// SizeLimit is the per-file byte ceiling of one artifact kind.
func SizeLimit(kind store.ArtifactKind) int64 {
	switch kind {
	case store.KindScreenshots:
		return 10 * mib
	default:
		return 50 * mib
	}
}

// htmlExtensions covers everything a framework's HTML report bundle ships:
// markup, styles, scripts, images, fonts and plain text.
var htmlExtensions = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".json": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".txt": true, ".md": true, ".map": true,
}

var screenshotExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

func allowedExtension(kind store.ArtifactKind, filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	switch kind {
	case store.KindHTML:
		return htmlExtensions[ext]
	case store.KindScreenshots:
		return screenshotExtensions[ext]
	case store.KindJSON:
		return ext == ".json"
	default:
		return false
	}
}

// validateFile checks one planned artifact against the kind's rules. The
// returned reason is empty when the file is acceptable; otherwise it is a
// deterministic, client-safe string.
func validateFile(kind store.ArtifactKind, filename string, size int64) string {
	if filename == "" {
		return "Path must not be empty"
	}
	if strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, "\\") {
		return "Absolute paths not allowed"
	}
	for _, segment := range strings.FieldsFunc(filename, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return "Path traversal not allowed"
		}
	}
	if !allowedExtension(kind, filename) {
		return "File type not allowed"
	}
	if size < 0 {
		return "File size must not be negative"
	}
	if size > SizeLimit(kind) {
		return "File size exceeds the limit"
	}
	return ""
}

// testNameFromPath derives the logical test a screenshot belongs to. Clients
// upload screenshots under a directory named after the test; a bare filename
// falls back to its own stem.
func testNameFromPath(filename string) string {
	normalized := strings.ReplaceAll(filename, "\\", "/")
	if i := strings.Index(normalized, "/"); i > 0 {
		return normalized[:i]
	}
	base := path.Base(normalized)
	return strings.TrimSuffix(base, path.Ext(base))
}
