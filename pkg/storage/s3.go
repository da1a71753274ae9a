package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// S3 stores each key as an object in a bucket. It reports Async, so a
// runtime writes to it from a background goroutine.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := storage.NewS3(s3.NewFromConfig(cfg), "my-bucket", storage.WithObjectPrefix("app/"))
//	rt := pulse.NewRuntime(pulse.WithStorage(store))
type S3 struct {
	client      S3API
	bucket      string
	prefix      string
	contentType string
	closed      atomic.Bool
}

// S3Option configures S3.
type S3Option func(*s3Config)

type s3Config struct {
	prefix      string
	contentType string
}

// WithObjectPrefix prepends prefix to every object key.
func WithObjectPrefix(prefix string) S3Option {
	return func(c *s3Config) {
		c.prefix = prefix
	}
}

// WithContentType sets the Content-Type of written objects.
// Default: "application/json".
func WithContentType(ct string) S3Option {
	return func(c *s3Config) {
		c.contentType = ct
	}
}

// NewS3 creates a backend over bucket.
func NewS3(client S3API, bucket string, opts ...S3Option) *S3 {
	cfg := &s3Config{contentType: "application/json"}
	for _, opt := range opts {
		opt(cfg)
	}
	return &S3{
		client:      client,
		bucket:      bucket,
		prefix:      cfg.prefix,
		contentType: cfg.contentType,
	}
}

// Async implements pulse.AsyncStorage.
func (s *S3) Async() bool {
	return true
}

func (s *S3) objectKey(key string) string {
	return s.prefix + key
}

// Get implements pulse.Storage.
func (s *S3) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements pulse.Storage.
func (s *S3) Set(ctx context.Context, key string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(s.contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Remove implements pulse.Storage. Removing a missing key is not an error.
func (s *S3) Remove(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Lister. S3 lists keys in ascending order.
func (s *S3) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}

// Close marks the backend closed. The client is left untouched.
func (s *S3) Close() error {
	s.closed.Store(true)
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
