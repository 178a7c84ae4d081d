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

package objstore

import (
	"fmt"
	"path"
	"strings"
)

// Object keys are a public contract: external tools enumerate by prefix.
// The layout is
//
//	reports/{report_id}/jobs/{job_id}/{kind}/{filename}
//
// where kind is html, screenshots or json.

// ReportPrefix is the key prefix holding everything a report owns.
func ReportPrefix(reportID string) string {
	return fmt.Sprintf("reports/%s/", reportID)
}

// KindPrefix is the key prefix of one artifact kind of one job.
func KindPrefix(reportID, jobID, kind string) string {
	return fmt.Sprintf("reports/%s/jobs/%s/%s/", reportID, jobID, kind)
}

// Key is the full object key of one artifact.
func Key(reportID, jobID, kind, filename string) string {
	return KindPrefix(reportID, jobID, kind) + filename
}

// mimeTypes maps filename extensions to content types for the artifact
// families tsio stores. Anything unknown falls back to octet-stream.
var mimeTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "font/otf",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
}

// ContentType infers a content type from the filename extension, falling back
// to application/octet-stream.
func ContentType(filename string) string {
	if mime, ok := mimeTypes[strings.ToLower(path.Ext(filename))]; ok {
		return mime
	}
	return "application/octet-stream"
}
