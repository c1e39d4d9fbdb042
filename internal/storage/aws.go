package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"shuttle/internal/config"
)

// AWS is a Store backed by aws-sdk-go-v2.
type AWS struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewAWS creates an S3 client for an S3-compatible endpoint. Shared config
// files are ignored and requests are attempted once. Checksums are only sent
// when an operation requires them.
func NewAWS(ctx context.Context, cfg config.Config) (*AWS, error) {
	u, err := cfg.EndpointURL()
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithSharedConfigFiles([]string{}),
		awsconfig.WithSharedCredentialsFiles([]string{}),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(u.Scheme + "://" + u.Host)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &AWS{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func (a *AWS) ListBuckets(ctx context.Context) error {
	if _, err := a.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return awsError(ctx, "ListBuckets", err)
	}
	return nil
}

func (a *AWS) HeadBucket(ctx context.Context, bucket string) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}

	e := awsError(ctx, "HeadBucket", err)
	// HEAD responses carry no body, so the SDK can only report "NotFound".
	if e.StatusCode == http.StatusNotFound {
		e.Code = CodeNoSuchBucket
		e.Message = "The specified bucket does not exist."
	}
	return e
}

func (a *AWS) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return awsError(ctx, "PutObject", err)
	}
	return nil
}

func (a *AWS) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return awsError(ctx, "RemoveObject", err)
	}
	return nil
}

func (a *AWS) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", awsError(ctx, "PresignGet", err)
	}
	return req.URL, nil
}

func awsError(ctx context.Context, op string, err error) *Error {
	e := &Error{Op: op, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e.StatusCode = respErr.HTTPStatusCode()
	}

	if e.Code == "" && e.StatusCode == 0 {
		return timeoutError(ctx, op, err)
	}
	return e
}
