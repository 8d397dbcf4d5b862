package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3 stores blobs in an S3 (or MinIO) bucket. Values must survive the
// JSON codec; the sha256 checksum of each payload is kept as object
// metadata.
type S3 struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
	timeout    time.Duration
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g. "minio.internal:9000"); empty for AWS S3.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints.
	UseSSL bool

	// PathPrefix is prepended to all object keys.
	PathPrefix string

	// Timeout bounds each round-trip (default 30s).
	Timeout time.Duration
}

// NewS3 creates an S3/MinIO backend.
func NewS3(cfg *S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, &Error{Op: "init", Err: fmt.Errorf("bucket name is required")}
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("load aws config: %w", err)}
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &S3{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
		timeout:    timeout,
	}, nil
}

func (b *S3) objectKey(key string) string {
	if b.pathPrefix == "" {
		return key
	}
	return b.pathPrefix + "/" + key
}

// Put serializes value and uploads it under a fresh handle.
func (b *S3) Put(value any) (Ref, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Ref{}, &Error{Op: "put", Err: err}
	}

	key := uuid.New().String()
	sum := sha256.Sum256(data)

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"checksum": hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return Ref{}, &Error{Op: "put", Err: err}
	}
	return Ref{Key: key}, nil
}

// Get downloads and deserializes the blob for ref.
func (b *S3) Get(ref Ref) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ref.Key)),
	})
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	return value, nil
}

// Delete removes the blob for ref.
func (b *S3) Delete(ref Ref) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ref.Key)),
	})
	if err != nil {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}
