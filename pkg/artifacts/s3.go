package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Backend stores artifacts in an S3 bucket and hands out presigned GET
// URLs.
type s3Backend struct {
	log           logrus.FieldLogger
	cfg           *config.S3Config
	client        *s3.Client
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	now           func() time.Time
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

// Compile-time interface checks.
var (
	_ Backend          = (*s3Backend)(nil)
	_ LifecycleManager = (*s3Backend)(nil)
)

// LifecycleManager is implemented by backends that can expire objects on
// their own.
type LifecycleManager interface {
	ApplyRetention(ctx context.Context, retention time.Duration) error
}

// NewS3Backend creates a backend for the configured bucket. The client is
// created on Start.
func NewS3Backend(log logrus.FieldLogger, cfg *config.S3Config) Backend {
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = config.DefaultPresignExpiry
	}

	return &s3Backend{
		log:      log.WithField("component", "s3-artifacts"),
		cfg:      cfg,
		expiry:   expiry,
		cacheTTL: expiry / 2,
		now:      time.Now,
		cache:    make(map[string]presignCacheEntry),
	}
}

// Start creates the S3 client from the default AWS configuration chain,
// overridden by any static credentials in the config.
func (b *s3Backend) Start(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	b.client = newS3Client(awsCfg, b.cfg)
	b.presignClient = s3.NewPresignClient(b.client)

	b.log.WithField("bucket", b.cfg.Bucket).Info("Artifact store ready")

	return nil
}

// PutObject uploads body to key.
func (b *s3Backend) PutObject(ctx context.Context, key string, body io.ReadSeeker, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if b.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(b.cfg.StorageClass)
	}

	b.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": b.cfg.Bucket,
	}).Debug("Uploading object")

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	b.forget(key)

	return nil
}

// URL returns a presigned GET URL for key. Results are cached for half the
// presigned URL expiry so that a returned URL always has at least half of
// its validity left.
func (b *s3Backend) URL(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	now := b.now()

	b.mu.RLock()
	if entry, ok := b.cache[key]; ok && now.Before(entry.expiresAt) {
		b.mu.RUnlock()

		return entry.url, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := b.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	b.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(b.cacheTTL),
	}

	return result.URL, nil
}

// Exists reports whether key holds an object.
func (b *s3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("heading object %q: %w", key, err)
	}

	return true, nil
}

// List returns all objects under prefix.
func (b *s3Backend) List(ctx context.Context, prefix string) ([]Object, error) {
	paginator := s3.NewListObjectsV2Paginator(
		b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.cfg.Bucket),
			Prefix: aws.String(prefix),
		},
	)

	var out []Object

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}

			out = append(out, o)
		}
	}

	return out, nil
}

// ApplyRetention installs one expiration rule per artifact prefix so that
// objects age out together with their run records.
func (b *s3Backend) ApplyRetention(ctx context.Context, retention time.Duration) error {
	days := int32(retention.Hours() / 24)
	if days < 1 {
		days = 1
	}

	rules := make([]s3types.LifecycleRule, 0, len(Prefixes))
	for _, prefix := range Prefixes {
		rules = append(rules, s3types.LifecycleRule{
			ID:     aws.String("expire-" + prefix),
			Status: s3types.ExpirationStatusEnabled,
			Filter: &s3types.LifecycleRuleFilter{
				Prefix: aws.String(prefix + "/"),
			},
			Expiration: &s3types.LifecycleExpiration{
				Days: aws.Int32(days),
			},
		})
	}

	_, err := b.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(b.cfg.Bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: rules,
		},
	})
	if err != nil {
		return fmt.Errorf("applying lifecycle to s3://%s: %w", b.cfg.Bucket, err)
	}

	b.log.WithFields(logrus.Fields{
		"bucket": b.cfg.Bucket,
		"days":   days,
	}).Info("Applied artifact retention")

	return nil
}

func (b *s3Backend) forget(key string) {
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

// newS3Client constructs an S3 client from the artifact storage config.
func newS3Client(awsCfg aws.Config, cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else if o.Region == "" {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)

				// Not every S3-compatible store accepts flexible checksums.
				o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.NewFromConfig(awsCfg, opts...)
}
