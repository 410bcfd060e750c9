package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"
)

// S3Store is a Store backed by an S3-compatible object store (AWS S3, MinIO,
// R2). It satisfies the same atomic-visibility contract as LocalStore: S3's
// PutObject is itself all-or-nothing, so no tempfile dance is needed here.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3Store. endpoint may be empty for AWS S3 itself, or
// a custom URL for MinIO/LocalStack/R2.
func NewS3Store(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.New(errs.IO, "load aws config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log.Info().Str("endpoint", endpoint).Str("bucket", bucket).Msg("S3 blob store initialized")

	return &S3Store{client: client, bucket: bucket}, nil
}

// Put buffers r and uploads it in one PutObject call; S3-compatible backends
// require a known Content-Length, so streaming without buffering is not an
// option here.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errs.New(errs.IO, "buffer blob for s3 upload", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return errs.New(errs.IO, "put blob to s3", err)
	}
	return nil
}

// Get retrieves key from S3.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3.NoSuchKey
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &nsk) {
			return nil, errs.New(errs.NotFound, "blob not found: "+key, err)
		}
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
			return nil, errs.New(errs.NotFound, "blob not found: "+key, err)
		}
		return nil, errs.New(errs.IO, "get blob from s3", err)
	}
	return out.Body, nil
}

// Exists reports whether key is present in the bucket.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, errs.New(errs.IO, "head blob", err)
}

// Delete removes key from the bucket. Deleting an absent key is not an error
// under S3 semantics.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errs.New(errs.IO, "delete blob from s3", err)
	}
	return nil
}
