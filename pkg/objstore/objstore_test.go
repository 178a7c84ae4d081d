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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/go-cmp/cmp"
)

type fakeObject struct {
	data        []byte
	contentType string
}

type fakeUpload struct {
	contentType string
	parts       map[int64][]byte
	aborted     bool
}

// fakeS3 is an in-memory rendition of the API slice the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  bool
	objects map[string]fakeObject
	uploads map[string]*fakeUpload

	// failPart makes the numbered part of any multipart upload fail.
	failPart int64
	// singlePuts and partPuts count the transfer calls observed.
	singlePuts int
	partPuts   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		bucket:  true,
		objects: map[string]fakeObject{},
		uploads: map[string]*fakeUpload{},
	}
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucket {
		return nil, awserr.New("NotFound", "no such bucket", nil)
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucketWithContext(_ aws.Context, _ *s3.CreateBucketInput, _ ...request.Option) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bucket {
		return nil, awserr.New(s3.ErrCodeBucketAlreadyOwnedByYou, "already owned", nil)
	}
	f.bucket = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singlePuts++
	f.objects[*in.Key] = fakeObject{data: data, contentType: aws.StringValue(in.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	object, ok := f.objects[*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(object.data)),
		ContentType: aws.String(object.contentType),
	}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var keys []string
	for key := range f.objects {
		if bytes.HasPrefix([]byte(key), []byte(aws.StringValue(in.Prefix))) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)
	page := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		page.Contents = append(page.Contents, &s3.Object{Key: aws.String(key)})
	}
	fn(page, true)
	return nil
}

func (f *fakeS3) CreateMultipartUploadWithContext(_ aws.Context, in *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = &fakeUpload{
		contentType: aws.StringValue(in.ContentType),
		parts:       map[int64][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPartWithContext(_ aws.Context, in *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPart != 0 && *in.PartNumber == f.failPart {
		return nil, awserr.New("InternalError", "injected part failure", nil)
	}
	upload, ok := f.uploads[*in.UploadId]
	if !ok || upload.aborted {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	f.partPuts++
	upload.parts[*in.PartNumber] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", *in.PartNumber))}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(_ aws.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[*in.UploadId]
	if !ok || upload.aborted {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	var assembled []byte
	for _, part := range in.MultipartUpload.Parts {
		assembled = append(assembled, upload.parts[*part.PartNumber]...)
	}
	f.objects[*in.Key] = fakeObject{data: assembled, contentType: upload.contentType}
	delete(f.uploads, *in.UploadId)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(_ aws.Context, in *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListMultipartUploadsWithContext(_ aws.Context, in *s3.ListMultipartUploadsInput, _ ...request.Option) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	for range f.uploads {
		out.Uploads = append(out.Uploads, &s3.MultipartUpload{Key: in.Prefix})
	}
	return out, nil
}

func (f *fakeS3) GetObjectRequest(*s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput) {
	return nil, nil
}

func TestContentType(t *testing.T) {
	testCases := []struct {
		filename string
		expected string
	}{
		{"index.html", "text/html; charset=utf-8"},
		{"app.CSS", "text/css; charset=utf-8"},
		{"trace.json", "application/json"},
		{"shot.png", "image/png"},
		{"shot.JPG", "image/jpeg"},
		{"font.woff2", "font/woff2"},
		{"notes.md", "text/markdown; charset=utf-8"},
		{"core.dump", "application/octet-stream"},
		{"no-extension", "application/octet-stream"},
	}
	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			if got := ContentType(tc.filename); got != tc.expected {
				t.Errorf("ContentType(%q) = %q, want %q", tc.filename, got, tc.expected)
			}
		})
	}
}

func TestKeyLayout(t *testing.T) {
	key := Key("r-1", "j-2", "screenshots", "login/failure.png")
	expected := "reports/r-1/jobs/j-2/screenshots/login/failure.png"
	if key != expected {
		t.Errorf("Key() = %q, want %q", key, expected)
	}
	if prefix := KindPrefix("r-1", "j-2", "html"); prefix != "reports/r-1/jobs/j-2/html/" {
		t.Errorf("KindPrefix() = %q", prefix)
	}
	if prefix := ReportPrefix("r-1"); prefix != "reports/r-1/" {
		t.Errorf("ReportPrefix() = %q", prefix)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	fake := newFakeS3()
	store := NewWithAPI(fake, "tsio-reports")
	ctx := context.Background()

	data := []byte("<html>report</html>")
	if err := store.Put(ctx, "reports/r/jobs/j/html/index.html", data, ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if fake.singlePuts != 1 || fake.partPuts != 0 {
		t.Errorf("expected a single PUT, got %d single / %d parts", fake.singlePuts, fake.partPuts)
	}

	got, contentType, err := store.Get(ctx, "reports/r/jobs/j/html/index.html")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("stored bytes differ: %s", diff)
	}
	if contentType != "text/html; charset=utf-8" {
		t.Errorf("expected inferred html content type, got %q", contentType)
	}
}

func TestPutLargePayloadUsesMultipart(t *testing.T) {
	fake := newFakeS3()
	store := NewWithAPI(fake, "tsio-reports")
	ctx := context.Background()

	// 6 MiB: one full part plus a short tail.
	data := bytes.Repeat([]byte{0xA5}, 6*1024*1024)
	if err := store.Put(ctx, "reports/r/jobs/j/html/big.html", data, "text/html"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if fake.singlePuts != 0 {
		t.Errorf("expected no single PUT for a large payload, got %d", fake.singlePuts)
	}
	if fake.partPuts != 2 {
		t.Errorf("expected 2 parts, got %d", fake.partPuts)
	}

	got, _, err := store.Get(ctx, "reports/r/jobs/j/html/big.html")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Error("reassembled bytes differ from the original payload")
	}
}

func TestPutAbortsMultipartOnPartFailure(t *testing.T) {
	fake := newFakeS3()
	fake.failPart = 2
	store := NewWithAPI(fake, "tsio-reports")
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x5A}, 11*1024*1024)
	err := store.Put(ctx, "reports/r/jobs/j/html/big.html", data, "text/html")
	if err == nil {
		t.Fatal("expected a part failure to surface")
	}

	pending, err := store.PendingMultipartUploads(ctx, "reports/r/")
	if err != nil {
		t.Fatalf("ListMultipartUploads failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no orphaned multipart uploads, found %d", len(pending))
	}
	if _, _, err := store.Get(ctx, "reports/r/jobs/j/html/big.html"); err == nil {
		t.Error("expected no object after an aborted upload")
	}
}

func TestEnsureBucketIdempotent(t *testing.T) {
	fake := newFakeS3()
	fake.bucket = false
	store := NewWithAPI(fake, "tsio-reports")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.EnsureBucket(ctx); err != nil {
			t.Fatalf("EnsureBucket run %d failed: %v", i+1, err)
		}
	}
}

func TestDeletePrefix(t *testing.T) {
	fake := newFakeS3()
	store := NewWithAPI(fake, "tsio-reports")
	ctx := context.Background()

	for _, key := range []string{
		"reports/r1/jobs/j1/html/index.html",
		"reports/r1/jobs/j1/json/results.json",
		"reports/r2/jobs/j2/html/index.html",
	} {
		if err := store.Put(ctx, key, []byte("x"), ""); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	count, err := store.DeletePrefix(ctx, "reports/r1/")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 deletions, got %d", count)
	}

	remaining, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	expected := []string{"reports/r2/jobs/j2/html/index.html"}
	if diff := cmp.Diff(expected, remaining); diff != "" {
		t.Errorf("unexpected remaining keys: %s", diff)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := NewWithAPI(newFakeS3(), "tsio-reports")
	_, _, err := store.Get(context.Background(), "reports/none")
	if err == nil {
		t.Fatal("expected an error for a missing key")
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
		t.Errorf("expected NoSuchKey, got %v", err)
	}
}
