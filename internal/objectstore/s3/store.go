// Package s3 implements objectstore.Store on the AWS SDK. It works against
// AWS itself and against S3-compatible servers such as MinIO.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dray-io/archivist/internal/objectstore"
)

const defaultRegion = "us-east-1"

// Config configures an S3 store.
type Config struct {
	Bucket string

	// Region defaults to us-east-1.
	Region string

	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000".
	Endpoint string

	// Static credentials. When either is empty the default credential
	// chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle addresses objects as endpoint/bucket/key. MinIO needs it.
	UsePathStyle bool
}

// Store implements objectstore.Store for one bucket.
type Store struct {
	client *s3.Client
	bucket string
	closed atomic.Bool
}

// New builds a client for cfg.Bucket. It does not contact the server; use
// CheckBucket for that.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// CheckBucket verifies that the bucket exists and the credentials can
// reach it.
func (s *Store) CheckBucket(ctx context.Context) error {
	if s.closed.Load() {
		return &objectstore.ObjectError{Op: "HeadBucket", Key: s.bucket, Err: objectstore.ErrClosed}
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		err = classify("HeadBucket", s.bucket, err)
		var objErr *objectstore.ObjectError
		if errors.As(err, &objErr) && objErr.Err == objectstore.ErrNotFound {
			objErr.Err = objectstore.ErrBucketNotFound
		}
		return err
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, opts objectstore.PutOptions) error {
	if s.closed.Load() {
		return &objectstore.ObjectError{Op: "Put", Key: key, Err: objectstore.ErrClosed}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classify("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.closed.Load() {
		return nil, &objectstore.ObjectError{Op: "Get", Key: key, Err: objectstore.ErrClosed}
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("Get", key, err)
	}
	return out.Body, nil
}

func (s *Store) Head(ctx context.Context, key string) (objectstore.ObjectMeta, error) {
	if s.closed.Load() {
		return objectstore.ObjectMeta{}, &objectstore.ObjectError{Op: "Head", Key: key, Err: objectstore.ErrClosed}
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.ObjectMeta{}, classify("Head", key, err)
	}
	return objectstore.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// Close marks the store closed. The SDK client holds no resources that
// need releasing.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// classify maps SDK failures onto the objectstore sentinels.
func classify(op, key string, err error) error {
	var (
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
		notFound     *types.NotFound
		respErr      *awshttp.ResponseError
	)
	switch {
	case errors.As(err, &noSuchBucket):
		err = objectstore.ErrBucketNotFound
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		err = objectstore.ErrNotFound
	case errors.As(err, &respErr):
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			err = objectstore.ErrNotFound
		case http.StatusForbidden:
			err = objectstore.ErrAccessDenied
		}
	}
	return &objectstore.ObjectError{Op: op, Key: key, Err: err}
}

var _ objectstore.Store = (*Store)(nil)
