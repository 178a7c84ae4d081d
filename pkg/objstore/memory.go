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
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// NewInMemory returns a Store backed by process memory. Tests in other
// packages use it wherever a handler or coordinator needs an object store.
func NewInMemory() *Store {
	return NewWithAPI(&memoryAPI{
		objects: map[string]memoryObject{},
		parts:   map[string]map[int64][]byte{},
	}, "tsio-test")
}

type memoryObject struct {
	data        []byte
	contentType string
}

// memoryAPI implements the api interface over two maps. Multipart uploads
// accumulate parts keyed by upload id until completed or aborted.
type memoryAPI struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	parts   map[string]map[int64][]byte
	uploads int
}

func (m *memoryAPI) HeadBucketWithContext(aws.Context, *s3.HeadBucketInput, ...request.Option) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *memoryAPI) CreateBucketWithContext(aws.Context, *s3.CreateBucketInput, ...request.Option) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (m *memoryAPI) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.StringValue(input.Key)] = memoryObject{data: data, contentType: aws.StringValue(input.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryAPI) GetObjectWithContext(_ aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	object, ok := m.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(strings.NewReader(string(object.data))),
		ContentType: aws.String(object.contentType),
	}, nil
}

func (m *memoryAPI) DeleteObjectWithContext(_ aws.Context, input *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.StringValue(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memoryAPI) ListObjectsV2PagesWithContext(_ aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	m.mu.Lock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, aws.StringValue(input.Prefix)) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
	}
	fn(out, true)
	return nil
}

func (m *memoryAPI) CreateMultipartUploadWithContext(_ aws.Context, input *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	id := fmt.Sprintf("upload-%d:%s:%s", m.uploads, aws.StringValue(input.Key), aws.StringValue(input.ContentType))
	m.parts[id] = map[int64][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *memoryAPI) UploadPartWithContext(_ aws.Context, input *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.parts[aws.StringValue(input.UploadId)]
	if !ok {
		return nil, awserr.New("NoSuchUpload", "upload not found", nil)
	}
	parts[aws.Int64Value(input.PartNumber)] = data
	etag := fmt.Sprintf("etag-%d", aws.Int64Value(input.PartNumber))
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (m *memoryAPI) CompleteMultipartUploadWithContext(_ aws.Context, input *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := aws.StringValue(input.UploadId)
	parts, ok := m.parts[id]
	if !ok {
		return nil, awserr.New("NoSuchUpload", "upload not found", nil)
	}
	var numbers []int64
	for n := range parts {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	var data []byte
	for _, n := range numbers {
		data = append(data, parts[n]...)
	}
	contentType := ""
	if fields := strings.SplitN(id, ":", 3); len(fields) == 3 {
		contentType = fields[2]
	}
	m.objects[aws.StringValue(input.Key)] = memoryObject{data: data, contentType: contentType}
	delete(m.parts, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *memoryAPI) AbortMultipartUploadWithContext(_ aws.Context, input *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, aws.StringValue(input.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *memoryAPI) ListMultipartUploadsWithContext(_ aws.Context, input *s3.ListMultipartUploadsInput, _ ...request.Option) (*s3.ListMultipartUploadsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	for id := range m.parts {
		fields := strings.SplitN(id, ":", 3)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], aws.StringValue(input.Prefix)) {
			continue
		}
		out.Uploads = append(out.Uploads, &s3.MultipartUpload{Key: aws.String(fields[1]), UploadId: aws.String(id)})
	}
	return out, nil
}

func (m *memoryAPI) GetObjectRequest(*s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput) {
	return nil, nil
}
