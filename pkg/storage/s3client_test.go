// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	puts      []*s3.PutObjectInput
	creates   []*s3.CreateBucketInput
	lists     []*s3.ListObjectsV2Input
	body      []byte
	getErr    error
	headErr   error
	createErr error
	listErr   error
	keys      []string
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.creates = append(f.creates, params)
	return &s3.CreateBucketOutput{}, f.createErr
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lists = append(f.lists, params)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &s3.ListObjectsV2Output{}
	for _, key := range f.keys {
		if !strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(key))),
			LastModified: aws.Time(time.Unix(1738368000, 0)),
		})
	}
	return out, nil
}

func TestS3ObjectClientPutSetsTypeAndEncryption(t *testing.T) {
	api := &fakeS3{}
	client := newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1", KMSKeyID: "arn:kms"})

	if err := client.PutObject(context.Background(), "retry-history/orders/billing/1.jsonl", []byte("{}\n")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if len(api.puts) != 1 {
		t.Fatalf("expected 1 put got %d", len(api.puts))
	}
	in := api.puts[0]
	if aws.ToString(in.Bucket) != "history" || aws.ToString(in.Key) != "retry-history/orders/billing/1.jsonl" {
		t.Fatalf("bucket/key mismatch: %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if aws.ToString(in.ContentType) != "application/x-ndjson" || aws.ToInt64(in.ContentLength) != 3 {
		t.Fatalf("unexpected content headers %q %d", aws.ToString(in.ContentType), aws.ToInt64(in.ContentLength))
	}
	if in.ServerSideEncryption != types.ServerSideEncryptionAwsKms || aws.ToString(in.SSEKMSKeyId) != "arn:kms" {
		t.Fatalf("expected kms encryption, got %q %q", in.ServerSideEncryption, aws.ToString(in.SSEKMSKeyId))
	}

	client = newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})
	if err := client.PutObject(context.Background(), "blob", []byte("x")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if in := api.puts[1]; in.ServerSideEncryption != "" || aws.ToString(in.ContentType) != "application/octet-stream" {
		t.Fatalf("unexpected plain put %q %q", in.ServerSideEncryption, aws.ToString(in.ContentType))
	}
}

func TestS3ObjectClientGet(t *testing.T) {
	api := &fakeS3{body: []byte("hello")}
	client := newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})
	data, err := client.GetObject(context.Background(), "k")
	if err != nil || string(data) != "hello" {
		t.Fatalf("GetObject: %q %v", data, err)
	}

	api.getErr = &types.NoSuchKey{}
	if _, err := client.GetObject(context.Background(), "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	api.getErr = &smithy.GenericAPIError{Code: "NoSuchKey"}
	if _, err := client.GetObject(context.Background(), "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound for generic api error, got %v", err)
	}
	api.getErr = errors.New("connection reset")
	if _, err := client.GetObject(context.Background(), "k"); err == nil || errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestS3ObjectClientList(t *testing.T) {
	api := &fakeS3{keys: []string{
		"retry-history/a/b/1.jsonl",
		"retry-history/a/b/2.jsonl",
		"retry-history/a/b/3.jsonl",
		"other/x",
	}}
	client := newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})

	objects, err := client.ListObjects(context.Background(), ListOptions{Prefix: "retry-history/"})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objects) != 3 || objects[2].Key != "retry-history/a/b/3.jsonl" {
		t.Fatalf("unexpected objects %+v", objects)
	}
	if objects[0].LastModified.Unix() != 1738368000 {
		t.Fatalf("expected last modified to carry over, got %v", objects[0].LastModified)
	}

	objects, err = client.ListObjects(context.Background(), ListOptions{
		Prefix:     "retry-history/",
		StartAfter: "retry-history/a/b/1.jsonl",
		MaxKeys:    2,
	})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected MaxKeys to cap the listing, got %d", len(objects))
	}
	last := api.lists[len(api.lists)-1]
	if aws.ToString(last.StartAfter) != "retry-history/a/b/1.jsonl" || aws.ToInt32(last.MaxKeys) != 2 {
		t.Fatalf("listing options not forwarded: %q %d", aws.ToString(last.StartAfter), aws.ToInt32(last.MaxKeys))
	}

	api.listErr = errors.New("throttled")
	if _, err := client.ListObjects(context.Background(), ListOptions{Prefix: "x"}); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestS3ObjectClientEnsureBucket(t *testing.T) {
	api := &fakeS3{headErr: &smithy.GenericAPIError{Code: "NotFound"}}
	client := newS3ObjectClient(api, S3Config{Bucket: "history", Region: "eu-west-1"})
	if err := client.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if len(api.creates) != 1 || api.creates[0].CreateBucketConfiguration == nil ||
		api.creates[0].CreateBucketConfiguration.LocationConstraint != types.BucketLocationConstraint("eu-west-1") {
		t.Fatalf("expected regional create, got %+v", api.creates)
	}

	api = &fakeS3{
		headErr:   &smithy.GenericAPIError{Code: "NoSuchBucket"},
		createErr: &smithy.GenericAPIError{Code: "BucketAlreadyOwnedByYou"},
	}
	client = newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})
	if err := client.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket already owned: %v", err)
	}
	if api.creates[0].CreateBucketConfiguration != nil {
		t.Fatalf("us-east-1 must not send a location constraint")
	}

	api = &fakeS3{headErr: errors.New("network down")}
	client = newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})
	if err := client.EnsureBucket(context.Background()); err == nil || len(api.creates) != 0 {
		t.Fatalf("expected head failure to surface without a create, got %v", err)
	}

	api = &fakeS3{}
	client = newS3ObjectClient(api, S3Config{Bucket: "history", Region: "us-east-1"})
	if err := client.EnsureBucket(context.Background()); err != nil || len(api.creates) != 0 {
		t.Fatalf("existing bucket: %v creates=%d", err, len(api.creates))
	}
}

func TestNewS3ClientValidates(t *testing.T) {
	if _, err := NewS3Client(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := NewS3Client(context.Background(), S3Config{Bucket: "history"}); err == nil {
		t.Fatalf("expected missing region error")
	}
}

func TestMemoryClient(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	if err := m.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, key := range []string{"retry-history/orders/b/3.jsonl", "retry-history/orders/b/1.jsonl", "retry-history/orders/b/2.jsonl", "elsewhere"} {
		if err := m.PutObject(ctx, key, []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	objects, err := m.ListObjects(ctx, ListOptions{Prefix: "retry-history/orders/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 3 || objects[0].Key != "retry-history/orders/b/1.jsonl" {
		t.Fatalf("expected sorted keys, got %+v", objects)
	}
	objects, _ = m.ListObjects(ctx, ListOptions{Prefix: "retry-history/", StartAfter: "retry-history/orders/b/1.jsonl", MaxKeys: 1})
	if len(objects) != 1 || objects[0].Key != "retry-history/orders/b/2.jsonl" {
		t.Fatalf("expected paged listing, got %+v", objects)
	}

	data, err := m.GetObject(ctx, "elsewhere")
	if err != nil || string(data) != "elsewhere" {
		t.Fatalf("get: %q %v", data, err)
	}
	data[0] = 'X'
	if again, _ := m.GetObject(ctx, "elsewhere"); string(again) != "elsewhere" {
		t.Fatalf("GetObject must return a copy")
	}
	if _, err := m.GetObject(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.PutObject(cancelled, "k", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled put, got %v", err)
	}
}
