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

// Package objstore stores report artifacts in an S3-compatible bucket.
// Payloads above the part size go through a multipart upload with bounded
// parallelism; a failed multipart upload is always aborted so no orphaned
// parts remain billable.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// PartSize is both the single-PUT cutoff and the multipart part size. S3
// requires every part except the last to be at least 5 MiB.
const PartSize = 5 * 1024 * 1024

// partConcurrency bounds how many parts of one upload are in flight at once.
const partConcurrency = 4

// Options configures the bucket client. Endpoint is non-empty for
// MinIO-compatible development setups and forces path-style addressing.
type Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// api is the slice of the S3 surface the client uses; tests substitute a
// fake.
type api interface {
	HeadBucketWithContext(aws.Context, *s3.HeadBucketInput, ...request.Option) (*s3.HeadBucketOutput, error)
	CreateBucketWithContext(aws.Context, *s3.CreateBucketInput, ...request.Option) (*s3.CreateBucketOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	DeleteObjectWithContext(aws.Context, *s3.DeleteObjectInput, ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2PagesWithContext(aws.Context, *s3.ListObjectsV2Input, func(*s3.ListObjectsV2Output, bool) bool, ...request.Option) error
	CreateMultipartUploadWithContext(aws.Context, *s3.CreateMultipartUploadInput, ...request.Option) (*s3.CreateMultipartUploadOutput, error)
	UploadPartWithContext(aws.Context, *s3.UploadPartInput, ...request.Option) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadWithContext(aws.Context, *s3.CompleteMultipartUploadInput, ...request.Option) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadWithContext(aws.Context, *s3.AbortMultipartUploadInput, ...request.Option) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploadsWithContext(aws.Context, *s3.ListMultipartUploadsInput, ...request.Option) (*s3.ListMultipartUploadsOutput, error)
	GetObjectRequest(*s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput)
}

// Store is a bucket-scoped object store client. It is safe for concurrent
// use; share a single configured instance.
type Store struct {
	api    api
	bucket string
}

// New builds an S3 client from the storage options.
func New(opts Options) (*Store, error) {
	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	if opts.Endpoint != "" {
		// MinIO and other S3-compatible stores resolve buckets by path, not
		// by virtual host.
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create S3 session: %w", err)
	}
	return &Store{api: s3.New(sess), bucket: opts.Bucket}, nil
}

// NewWithAPI wraps a pre-built API handle. Tests use this with a fake.
func NewWithAPI(a api, bucket string) *Store {
	return &Store{api: a, bucket: bucket}
}

// EnsureBucket creates the bucket if it does not exist yet. Safe to run on
// every startup; against S3 proper the head-bucket makes it idempotent.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, err := s.api.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeBucketAlreadyExists, s3.ErrCodeBucketAlreadyOwnedByYou:
				return nil
			}
		}
		return fmt.Errorf("could not create bucket %s: %w", s.bucket, err)
	}
	logrus.WithField("bucket", s.bucket).Info("Created storage bucket.")
	return nil
}

// Put stores data under key. Payloads up to PartSize go through a single
// PUT; larger payloads are partitioned into PartSize parts uploaded with
// bounded parallelism. If any part fails, the multipart upload is aborted
// before Put returns.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = ContentType(key)
	}
	if len(data) <= PartSize {
		_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("could not put %s: %w", key, err)
		}
		return nil
	}
	return s.putMultipart(ctx, key, data, contentType)
}

func (s *Store) putMultipart(ctx context.Context, key string, data []byte, contentType string) error {
	created, err := s.api.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("could not start multipart upload for %s: %w", key, err)
	}
	uploadID := created.UploadId

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type completedPart struct {
		number int64
		etag   string
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		parts    []completedPart
		firstErr error
	)
	sem := semaphore.NewWeighted(partConcurrency)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	for number, offset := int64(1), 0; offset < len(data); number, offset = number+1, offset+PartSize {
		end := offset + PartSize
		if end > len(data) {
			end = len(data)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		wg.Add(1)
		go func(number int64, chunk []byte) {
			defer wg.Done()
			defer sem.Release(1)
			uploaded, err := s.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(key),
				UploadId:   uploadID,
				PartNumber: aws.Int64(number),
				Body:       bytes.NewReader(chunk),
			})
			if err != nil {
				fail(fmt.Errorf("could not upload part %d of %s: %w", number, key, err))
				return
			}
			mu.Lock()
			parts = append(parts, completedPart{number: number, etag: aws.StringValue(uploaded.ETag)})
			mu.Unlock()
		}(number, data[offset:end])
	}
	wg.Wait()

	if firstErr != nil {
		s.abortMultipart(key, uploadID)
		return firstErr
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].number < parts[j].number })
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(part.number),
			ETag:       aws.String(part.etag),
		})
	}
	if _, err := s.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	}); err != nil {
		s.abortMultipart(key, uploadID)
		return fmt.Errorf("could not complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// abortMultipart runs on a fresh context: the usual reason to abort is that
// the request context is already canceled.
func (s *Store) abortMultipart(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); err != nil {
		logrus.WithError(err).WithField("key", key).Error("Failed to abort multipart upload; parts may be orphaned.")
	}
}

// Get returns the stored bytes and content type of key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("could not get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("could not read %s: %w", key, err)
	}
	return data, aws.StringValue(out.ContentType), nil
}

// Reader streams the stored bytes of key. The caller closes the reader.
func (s *Store) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes one object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("could not delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// List returns every key under prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, object := range page.Contents {
			keys = append(keys, aws.StringValue(object.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", prefix, err)
	}
	return keys, nil
}

// PendingMultipartUploads lists in-flight multipart uploads under prefix.
// After an abort the list must be empty for the affected key.
func (s *Store) PendingMultipartUploads(ctx context.Context, prefix string) ([]string, error) {
	out, err := s.api.ListMultipartUploadsWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("could not list multipart uploads under %s: %w", prefix, err)
	}
	var keys []string
	for _, upload := range out.Uploads {
		keys = append(keys, aws.StringValue(upload.Key))
	}
	return keys, nil
}

// PresignGet returns a URL from which key can be fetched without credentials
// until ttl elapses.
func (s *Store) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := s.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("could not presign %s: %w", key, err)
	}
	return url, nil
}
