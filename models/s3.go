package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	upscaler "github.com/e7canasta/orion-upscaler"
)

// S3Config holds the bucket settings for an S3Source.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string // default us-east-1
	Endpoint        string // optional; S3-compatible stores such as MinIO
	UsePathStyle    bool
	AccessKeyID     string // optional; falls back to the default credential chain
	SecretAccessKey string
	HTTPClient      *http.Client // optional transport override
}

// S3Source fetches containers from one bucket. Keys are joined onto Prefix.
//
// The SDK's own retries are disabled; retrying is left to the caller's
// RetryExecutor so attempts and backoff stay in one place.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source builds a client from cfg.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("models: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("models: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Source) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Source) Fetch(ctx context.Context, key string) ([]byte, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		return nil, s.classify(objKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "read s3://" + s.bucket + "/" + objKey, Err: err}
	}
	return data, nil
}

// classify maps SDK failures onto the upscaler taxonomy: missing objects and
// client errors are permanent, throttling and server errors retryable.
func (s *S3Source) classify(objKey string, err error) error {
	msg := "get s3://" + s.bucket + "/" + objKey
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return &upscaler.Error{Kind: upscaler.KindIO, Msg: msg, Err: errors.Join(fs.ErrNotExist, err)}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == http.StatusNotFound:
			return &upscaler.Error{Kind: upscaler.KindIO, Msg: msg, Err: errors.Join(fs.ErrNotExist, err)}
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return &upscaler.Error{Kind: upscaler.KindIO, Msg: msg, Err: errors.Join(fs.ErrPermission, err)}
		case code == http.StatusTooManyRequests || code >= 500:
			return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: msg, Err: err}
		default:
			return &upscaler.Error{Kind: upscaler.KindIO, Msg: msg, Err: errors.Join(fs.ErrInvalid, err)}
		}
	}
	return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: msg, Err: err}
}

func (s *S3Source) String() string { return "s3://" + s.bucket + "/" + s.prefix }
