package storage

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned when the requested S3 key does not exist.
var ErrObjectNotFound = errors.New("S3 object not found")

// S3Config holds the configuration for S3 storage.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Storage wraps LocalStorage and adds S3 as a video source.
// Objects are downloaded into the LocalStorage temp directory.
type S3Storage struct {
	*LocalStorage
	client *s3.Client
	bucket string
	region string
}

// NewS3Storage creates a new S3Storage instance.
// The tempDir parameter specifies where temporary files are stored.
// The cfg parameter contains S3 configuration.
func NewS3Storage(tempDir string, cfg S3Config) (*S3Storage, error) {
	local, err := NewLocalStorage(tempDir)
	if err != nil {
		return nil, err
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &S3Storage{
		LocalStorage: local,
		client:       client,
		bucket:       cfg.Bucket,
		region:       cfg.Region,
	}, nil
}

// FetchFromS3 downloads the object at key into a temp file named after the
// key's base name.
func (s *S3Storage) FetchFromS3(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("download from S3: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	p, err := s.SaveTemp(ctx, path.Base(key), out.Body)
	if err != nil {
		return "", fmt.Errorf("store S3 object: %w", err)
	}
	return p, nil
}
