// Package blobstore reads seed samples from and writes generated audio to an
// S3 compatible bucket.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/allvoice/voice-gateway/internal/config"
)

// ErrNotFound is returned when the key does not exist in the bucket
var ErrNotFound = errors.New("blob not found")

// Object is a streamed blob. The caller must close Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// S3Store reads and writes objects in one bucket
type S3Store struct {
	client *s3.Client
	bucket string
	host   string
}

// NewS3Store creates a store using static credentials and path-style
// addressing, which works for both AWS and self-hosted S3 servers.
func NewS3Store(cfg *config.Config) *S3Store {
	client := s3.New(s3.Options{
		Region:       cfg.BucketRegion,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		BaseEndpoint: aws.String(cfg.BucketHost),
		UsePathStyle: true,
	})

	return &S3Store{
		client: client,
		bucket: cfg.BucketName,
		host:   strings.TrimRight(cfg.BucketHost, "/"),
	}
}

// Get opens the object stored under key
func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if out.Body == nil {
		return nil, fmt.Errorf("get %s: empty body", key)
	}

	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}

	return &Object{
		Body:          out.Body,
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: length,
	}, nil
}

// Put uploads body under key. The length must be known up front.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string, length int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(length),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PublicURL is the URL under which a stored key is served
func (s *S3Store) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.host, s.bucket, key)
}
