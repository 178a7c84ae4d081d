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
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// FileRecord is a kind-agnostic view of one planned artifact, used by the
// progress and transfer endpoints which operate per kind.
type FileRecord struct {
	ID          uuid.UUID  `json:"id"`
	Filename    string     `json:"filename"`
	StorageKey  string     `json:"storage_key"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Status      FileStatus `json:"status"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`
}

func (f *HtmlFile) record() FileRecord {
	return FileRecord{ID: f.ID, Filename: f.Filename, StorageKey: f.StorageKey, Size: f.Size, ContentType: f.ContentType, Status: f.Status, UploadedAt: f.UploadedAt}
}

func (f *ScreenshotFile) record() FileRecord {
	return FileRecord{ID: f.ID, Filename: f.Filename, StorageKey: f.StorageKey, Size: f.Size, ContentType: f.ContentType, Status: f.Status, UploadedAt: f.UploadedAt}
}

func (f *JsonFile) record() FileRecord {
	return FileRecord{ID: f.ID, Filename: f.Filename, StorageKey: f.StorageKey, Size: f.Size, ContentType: f.ContentType, Status: f.Status, UploadedAt: f.UploadedAt}
}

// InitHtmlFiles plans the HTML artifacts of a job. Filenames already planned
// for the job are kept as-is, so re-initializing after an interrupted upload
// resumes instead of duplicating. The full current plan is returned.
func (s *Store) InitHtmlFiles(ctx context.Context, jobID uuid.UUID, files []HtmlFile) ([]HtmlFile, error) {
	err := s.InTransaction(ctx, func(tx *Store) error {
		existing := map[string]bool{}
		var names []string
		if err := tx.db.WithContext(ctx).Model(&HtmlFile{}).Where("job_id = ?", jobID).Pluck("filename", &names).Error; err != nil {
			return err
		}
		for _, name := range names {
			existing[name] = true
		}
		for i := range files {
			if existing[files[i].Filename] {
				continue
			}
			files[i].JobID = jobID
			files[i].Status = FilePending
			// A concurrent init for the same filename can win the race
			// between the plan read and this insert; the surviving row is
			// picked up by the re-read below.
			if err := tx.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&files[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all []HtmlFile
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("filename ASC").Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}

// InitScreenshotFiles plans the screenshot artifacts of a job. New rows get
// monotonically increasing sequence numbers so gallery order survives
// re-initialization.
func (s *Store) InitScreenshotFiles(ctx context.Context, jobID uuid.UUID, files []ScreenshotFile) ([]ScreenshotFile, error) {
	err := s.InTransaction(ctx, func(tx *Store) error {
		existing := map[string]bool{}
		var names []string
		if err := tx.db.WithContext(ctx).Model(&ScreenshotFile{}).Where("job_id = ?", jobID).Pluck("filename", &names).Error; err != nil {
			return err
		}
		for _, name := range names {
			existing[name] = true
		}
		var maxSequence int
		row := tx.db.WithContext(ctx).Model(&ScreenshotFile{}).Where("job_id = ?", jobID).Select("COALESCE(MAX(sequence), 0)").Row()
		if err := row.Scan(&maxSequence); err != nil {
			return err
		}
		next := maxSequence
		for i := range files {
			if existing[files[i].Filename] {
				continue
			}
			next++
			files[i].JobID = jobID
			files[i].Status = FilePending
			files[i].Sequence = next
			if err := tx.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&files[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all []ScreenshotFile
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence ASC").Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}

// InitJsonFiles plans the JSON results artifacts of a job.
func (s *Store) InitJsonFiles(ctx context.Context, jobID uuid.UUID, files []JsonFile) ([]JsonFile, error) {
	err := s.InTransaction(ctx, func(tx *Store) error {
		existing := map[string]bool{}
		var names []string
		if err := tx.db.WithContext(ctx).Model(&JsonFile{}).Where("job_id = ?", jobID).Pluck("filename", &names).Error; err != nil {
			return err
		}
		for _, name := range names {
			existing[name] = true
		}
		for i := range files {
			if existing[files[i].Filename] {
				continue
			}
			files[i].JobID = jobID
			files[i].Status = FilePending
			if err := tx.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&files[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all []JsonFile
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("filename ASC").Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}

// ListFiles returns the planned artifacts of one kind for a job as
// kind-agnostic records.
func (s *Store) ListFiles(ctx context.Context, jobID uuid.UUID, kind ArtifactKind) ([]FileRecord, error) {
	switch kind {
	case KindHTML:
		var files []HtmlFile
		if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("filename ASC").Find(&files).Error; err != nil {
			return nil, err
		}
		records := make([]FileRecord, 0, len(files))
		for i := range files {
			records = append(records, files[i].record())
		}
		return records, nil
	case KindScreenshots:
		var files []ScreenshotFile
		if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence ASC").Find(&files).Error; err != nil {
			return nil, err
		}
		records := make([]FileRecord, 0, len(files))
		for i := range files {
			records = append(records, files[i].record())
		}
		return records, nil
	case KindJSON:
		var files []JsonFile
		if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("filename ASC").Find(&files).Error; err != nil {
			return nil, err
		}
		records := make([]FileRecord, 0, len(files))
		for i := range files {
			records = append(records, files[i].record())
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// FindFile looks up one planned artifact by name. Filenames outside the plan
// are reported as not found.
func (s *Store) FindFile(ctx context.Context, jobID uuid.UUID, kind ArtifactKind, filename string) (*FileRecord, error) {
	query := s.db.WithContext(ctx).Where("job_id = ? AND filename = ?", jobID, filename)
	var record FileRecord
	switch kind {
	case KindHTML:
		var file HtmlFile
		if err := query.First(&file).Error; err != nil {
			return nil, notFound(err)
		}
		record = file.record()
	case KindScreenshots:
		var file ScreenshotFile
		if err := query.First(&file).Error; err != nil {
			return nil, notFound(err)
		}
		record = file.record()
	case KindJSON:
		var file JsonFile
		if err := query.First(&file).Error; err != nil {
			return nil, notFound(err)
		}
		record = file.record()
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	return &record, nil
}

func fileModel(kind ArtifactKind) (interface{}, error) {
	switch kind {
	case KindHTML:
		return &HtmlFile{}, nil
	case KindScreenshots:
		return &ScreenshotFile{}, nil
	case KindJSON:
		return &JsonFile{}, nil
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// MarkFileUploaded transitions a planned artifact from pending to uploaded
// and records its final size. The guard on the current status makes the
// transition happen at most once: a repeated transfer of the same file
// reports marked=false.
func (s *Store) MarkFileUploaded(ctx context.Context, jobID uuid.UUID, kind ArtifactKind, filename string, size int64, now time.Time) (bool, error) {
	model, err := fileModel(kind)
	if err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).Model(model).
		Where("job_id = ? AND filename = ? AND status = ?", jobID, filename, FilePending).
		Updates(map[string]interface{}{
			"status":      FileUploaded,
			"size":        size,
			"uploaded_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFileFailed records a failed transfer. Already-uploaded files are left
// alone.
func (s *Store) MarkFileFailed(ctx context.Context, jobID uuid.UUID, kind ArtifactKind, filename string) error {
	model, err := fileModel(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(model).
		Where("job_id = ? AND filename = ? AND status = ?", jobID, filename, FilePending).
		Update("status", FileFailed).Error
}

// FileProgress counts planned versus uploaded artifacts of one kind.
func (s *Store) FileProgress(ctx context.Context, jobID uuid.UUID, kind ArtifactKind) (total, uploaded int64, err error) {
	model, modelErr := fileModel(kind)
	if modelErr != nil {
		return 0, 0, modelErr
	}
	if err := s.db.WithContext(ctx).Model(model).Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.WithContext(ctx).Model(model).Where("job_id = ? AND status = ?", jobID, FileUploaded).Count(&uploaded).Error; err != nil {
		return 0, 0, err
	}
	return total, uploaded, nil
}

// UploadedJsonFiles returns the JSON artifacts ready for extraction, in
// upload-plan order.
func (s *Store) UploadedJsonFiles(ctx context.Context, jobID uuid.UUID) ([]JsonFile, error) {
	var files []JsonFile
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, FileUploaded).
		Order("filename ASC").
		Find(&files).Error
	return files, err
}

// MarkJsonExtracted stamps a JSON artifact as successfully parsed.
func (s *Store) MarkJsonExtracted(ctx context.Context, fileID uuid.UUID, now time.Time) error {
	return s.db.WithContext(ctx).Model(&JsonFile{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"extracted_at":     now,
		"extraction_error": nil,
	}).Error
}

// MarkJsonExtractionFailed records why a JSON artifact could not be parsed.
// Extraction failures are per-file; the job carries on with the rest.
func (s *Store) MarkJsonExtractionFailed(ctx context.Context, fileID uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Model(&JsonFile{}).Where("id = ?", fileID).Update("extraction_error", reason).Error
}

// ScreenshotsForJob returns every active screenshot of a job in gallery
// order.
func (s *Store) ScreenshotsForJob(ctx context.Context, jobID uuid.UUID) ([]ScreenshotFile, error) {
	var files []ScreenshotFile
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&files).Error
	return files, err
}

// UnlinkedScreenshots returns uploaded screenshots not yet associated with a
// test case.
func (s *Store) UnlinkedScreenshots(ctx context.Context, jobID uuid.UUID) ([]ScreenshotFile, error) {
	var files []ScreenshotFile
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ? AND test_case_id IS NULL", jobID, FileUploaded).
		Order("sequence ASC").
		Find(&files).Error
	return files, err
}

// LinkScreenshot associates a screenshot with the test case it depicts.
func (s *Store) LinkScreenshot(ctx context.Context, screenshotID, caseID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&ScreenshotFile{}).Where("id = ?", screenshotID).Update("test_case_id", caseID).Error
}
