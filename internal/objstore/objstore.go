// Package objstore is the function package blob store. Packages are
// immutable tar.gz archives keyed by function and content hash; the
// executor only ever reads, the control plane only ever writes.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/fault"
)

// Metadata keys stored alongside every package object.
const (
	metaFunctionID     = "function-id"
	metaPackageVersion = "package-version"
	metaPackageHash    = "package-hash"
	metaUploadTime     = "upload-time"
)

// ObjectInfo describes a stored package without its body.
type ObjectInfo struct {
	Key         string
	SizeBytes   int64
	PackageHash string
	FunctionID  string
	Version     string
	UploadedAt  time.Time
}

// BlobStore reads and writes function package archives.
type BlobStore interface {
	// Get streams an object. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Put stores an archive under key with package metadata attached.
	Put(ctx context.Context, key string, body io.Reader, size int64, info ObjectInfo) error
	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}

// PackageKey builds the canonical object key for a package. Keys embed the
// content hash, so a republished version never collides with a stale copy.
func PackageKey(functionID, packageHash string) string {
	return fmt.Sprintf("functions/%s/%s.tgz", functionID, packageHash)
}

// S3Store is a BlobStore on any S3-compatible backend (AWS S3, MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the client from config. A non-empty endpoint switches to
// MinIO-style addressing with static credentials.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, mapS3Error("get "+key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, info ObjectInfo) error {
	meta := map[string]string{
		metaFunctionID:     info.FunctionID,
		metaPackageVersion: info.Version,
		metaPackageHash:    info.PackageHash,
		metaUploadTime:     time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/gzip"),
		Metadata:      meta,
	})
	if err != nil {
		return mapS3Error("put "+key, err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error("head "+key, err)
	}
	info := &ObjectInfo{
		Key:         key,
		SizeBytes:   aws.ToInt64(out.ContentLength),
		PackageHash: out.Metadata[metaPackageHash],
		FunctionID:  out.Metadata[metaFunctionID],
		Version:     out.Metadata[metaPackageVersion],
	}
	if ts := out.Metadata[metaUploadTime]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			info.UploadedAt = t
		}
	}
	return info, nil
}

// mapS3Error classifies SDK failures: a missing object is a distinct,
// permanent condition, everything else counts as the store being down.
func mapS3Error(op string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fault.Wrap(fault.KindPackageMissing, op, err)
	}
	// HeadObject surfaces 404 through the generic API error path on some
	// backends.
	if strings.Contains(err.Error(), "StatusCode: 404") {
		return fault.Wrap(fault.KindPackageMissing, op, err)
	}
	return fault.Wrap(fault.KindStorageUnavailable, op, err)
}
