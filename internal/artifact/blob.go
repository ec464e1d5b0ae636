// Copyright 2025 Tom Barlow
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

package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tombee/relay/pkg/errors"
)

// Blob is where artifact content lives. Keys are slash-separated and
// relative to the backend root.
type Blob interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// LocalBlob stores artifacts under a directory.
type LocalBlob struct {
	Root string
}

// NewLocalBlob creates the root directory if needed.
func NewLocalBlob(root string) (*LocalBlob, error) {
	if root == "" {
		return nil, &errors.ConfigError{Key: "artifacts.dir", Reason: "artifact directory is required"}
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalBlob{Root: root}, nil
}

// Put writes body through a temporary file and renames it into place, so a
// partially written blob is never visible.
func (b *LocalBlob) Put(_ context.Context, key string, body io.ReadSeeker, _ int64, _ string) error {
	dst, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Get opens the blob at key.
func (b *LocalBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "artifact blob", ID: key}
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

func (b *LocalBlob) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(b.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// S3Config configures the S3 backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every key.
	Prefix string `yaml:"prefix"`
	// Region is the AWS region. Empty uses the default chain.
	Region string `yaml:"region"`
	// Endpoint is a custom endpoint for S3-compatible providers such as MinIO.
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
}

// S3API is the subset of the S3 client used by S3Blob.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Blob stores artifacts in a bucket.
type S3Blob struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Blob builds a client from the default AWS credential chain.
func NewS3Blob(ctx context.Context, cfg S3Config) (*S3Blob, error) {
	if cfg.Bucket == "" {
		return nil, &errors.ConfigError{Key: "artifacts.s3.bucket", Reason: "S3 bucket is required"}
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3BlobWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3BlobWithClient wraps an existing client.
func NewS3BlobWithClient(client S3API, bucket, prefix string) *S3Blob {
	return &S3Blob{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads body.
func (b *S3Blob) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return &errors.TransportError{Op: "s3 put", Host: b.bucket, Cause: err}
	}
	return nil
}

// Get downloads the object at key.
func (b *S3Blob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, &errors.TransportError{Op: "s3 get", Host: b.bucket, Cause: err}
	}
	return out.Body, nil
}

func (b *S3Blob) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}
