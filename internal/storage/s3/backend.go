// Package s3 implements storage.Backend on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/pkg/crypto"
	"github.com/prn-tf/nautilus/internal/storage"
)

// AutoDeleteTag is the object tag carrying the expiry date.
const AutoDeleteTag = "autodelete-on"

// listMimeType is reported for every listed object; S3 listings carry no type.
const listMimeType = "binary/octet-stream"

// API is the subset of the S3 client used by the backend.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// Config holds S3 backend settings.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicURL       string

	// Salt is mixed into file keys.
	Salt string

	// RequestTimeout bounds each call. Zero means no bound.
	RequestTimeout time.Duration
}

// Backend stores objects in an S3 bucket.
type Backend struct {
	client    API
	bucket    string
	salt      string
	publicURL string
	timeout   time.Duration
	logger    zerolog.Logger
}

// New creates an S3 backend from static credentials.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates an S3 backend around an existing client.
func NewWithClient(client API, cfg Config, logger zerolog.Logger) *Backend {
	return &Backend{
		client:    client,
		bucket:    cfg.Bucket,
		salt:      cfg.Salt,
		publicURL: publicURL(cfg),
		timeout:   cfg.RequestTimeout,
		logger:    logger.With().Str("component", "s3-storage").Logger(),
	}
}

// publicURL derives the credential-free base URL of the bucket.
func publicURL(cfg Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimSuffix(cfg.PublicURL, "/")
	}
	if cfg.Endpoint == "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	if cfg.UsePathStyle {
		return strings.TrimSuffix(u.JoinPath(cfg.Bucket).String(), "/")
	}
	u.Host = cfg.Bucket + "." + u.Host
	return strings.TrimSuffix(u.String(), "/")
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Name returns "s3".
func (b *Backend) Name() string {
	return "s3"
}

// Check verifies the bucket is reachable with the configured credentials.
func (b *Backend) Check(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("unable to connect to s3 bucket %q: %w", b.bucket, err)
	}
	return nil
}

// FileKey returns {project_id}/{salted digest}.
// The digest keeps keys unguessable from public file hashes.
func (b *Backend) FileKey(project *domain.Project, file *domain.File) (string, error) {
	digest := crypto.StorageDigest(file.ProjectID, file.Hash, b.salt)
	return fmt.Sprintf("%s/%s", file.ProjectID, digest), nil
}

// CompanionKey returns {project_id}/{file_hash}_{suffix}.
func (b *Backend) CompanionKey(project *domain.Project, fileHash, suffix string) (string, error) {
	return fmt.Sprintf("%s/%s_%s", project.ID, fileHash, suffix), nil
}

// Has reports whether the object exists.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %q: %w", key, err)
	}
	return true, nil
}

// Upload puts the object, overwriting any existing one.
func (b *Backend) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// Delete removes the object if it exists.
func (b *Backend) Delete(ctx context.Context, key string) error {
	exists, err := b.Has(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var objects []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, storage.ObjectInfo{
				Path:       aws.ToString(obj.Key),
				Size:       aws.ToInt64(obj.Size),
				MimeType:   listMimeType,
				ModifiedOn: aws.ToTime(obj.LastModified),
				ETag:       aws.ToString(obj.ETag),
			})
		}
	}
	return objects, nil
}

// SetAutoDelete tags the object with its expiry date.
// Bucket lifecycle rules act on the tag.
func (b *Backend) SetAutoDelete(ctx context.Context, key string, on *time.Time) error {
	if on == nil {
		return nil
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{{
				Key:   aws.String(AutoDeleteTag),
				Value: aws.String(on.UTC().Format(time.RFC3339)),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("tag object %q: %w", key, err)
	}
	return nil
}

// PublicURL returns the bucket's public base URL.
func (b *Backend) PublicURL() string {
	return b.publicURL
}

// URLFor returns the public URL of the object at key.
func (b *Backend) URLFor(key string) string {
	return b.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// isNotFound checks S3 "not found" responses, typed or generic.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ storage.Backend = (*Backend)(nil)
