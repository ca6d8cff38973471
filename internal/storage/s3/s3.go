// Package s3 archives normalized events and quarantined raw records to
// S3-compatible object storage as compressed JSONL, with a manifest per
// archive so they can be restored later.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds the object storage connection settings. With no static
// credentials the default AWS chain applies (environment, shared config,
// IAM role).
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// Endpoint points at an S3-compatible service such as MinIO. Those
	// usually need UsePathStyle as well.
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	// StorageClass for uploaded archives. Archives are written once and
	// read rarely, so the default favors tiering over access speed.
	StorageClass string `yaml:"storage_class"`

	// ServerSideEncryption: AES256 or aws:kms, with KMSKeyID for the latter.
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`
	KMSKeyID             string `yaml:"kms_key_id,omitempty"`

	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns the archive storage defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:       "us-east-1",
		Bucket:       "refinery-archive",
		Prefix:       "refinery/",
		StorageClass: "INTELLIGENT_TIERING",
		MaxRetries:   3,
	}
}

// Validate reports whether the configuration can reach a bucket at all.
func (c *Config) Validate() error {
	switch {
	case c.Region == "":
		return errors.New("s3: region is not set")
	case c.Bucket == "":
		return errors.New("s3: bucket is not set")
	}
	return nil
}

var storageClasses = map[string]types.StorageClass{
	"STANDARD":            types.StorageClassStandard,
	"STANDARD_IA":         types.StorageClassStandardIa,
	"ONEZONE_IA":          types.StorageClassOnezoneIa,
	"INTELLIGENT_TIERING": types.StorageClassIntelligentTiering,
	"GLACIER":             types.StorageClassGlacier,
	"GLACIER_IR":          types.StorageClassGlacierIr,
	"DEEP_ARCHIVE":        types.StorageClassDeepArchive,
}

// storageClass maps the configured name onto the SDK constant, falling
// back to STANDARD for anything unrecognized.
func (c *Config) storageClass() types.StorageClass {
	if sc, ok := storageClasses[strings.ToUpper(c.StorageClass)]; ok {
		return sc
	}
	return types.StorageClassStandard
}

// applyEncryption sets the server side encryption headers on an upload.
func (c *Config) applyEncryption(input *s3.PutObjectInput) {
	switch c.ServerSideEncryption {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(c.KMSKeyID)
		}
	}
}

// Client wraps the AWS SDK client with the bucket, prefix, and encryption
// settings all archive operations share.
type Client struct {
	api    *s3.Client
	config *Config
	logger *slog.Logger
}

// NewClient builds the client and resolves credentials.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 client ready", "bucket", cfg.Bucket, "region", cfg.Region, "storage_class", cfg.StorageClass)

	return &Client{api: api, config: cfg, logger: logger}, nil
}

func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Prefix returns the key prefix applied to every object.
func (c *Client) Prefix() string {
	return c.config.Prefix
}

// key prepends the configured prefix.
func (c *Client) key(k string) string {
	return c.config.Prefix + k
}

// Object is one upload: key, body, and descriptive metadata.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Put stores one object under the configured prefix, applying the storage
// class and encryption settings.
func (c *Client) Put(ctx context.Context, obj Object) error {
	key := c.key(obj.Key)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(obj.Body),
		StorageClass: c.config.storageClass(),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if len(obj.Metadata) > 0 {
		input.Metadata = obj.Metadata
	}
	c.config.applyEncryption(input)

	if _, err := c.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}

	c.logger.Debug("object stored", "key", key, "size", len(obj.Body))
	return nil
}

// Get fetches an object's contents.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	full := c.key(key)

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", full, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", full, err)
	}
	return data, nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	full := c.key(key)

	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(full),
	}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", full, err)
	}

	c.logger.Debug("object deleted", "key", full)
	return nil
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List walks all objects under the given prefix (relative to the
// configured one). Returned keys are absolute, prefix included.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.key(prefix)),
	})

	var infos []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// CheckBucket verifies the bucket is reachable with the resolved
// credentials.
func (c *Client) CheckBucket(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return nil
}
