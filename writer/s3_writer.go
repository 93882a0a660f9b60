package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	appconfig "klineflow/config"
	"klineflow/logger"
	"klineflow/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the publisher needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads consolidated datasets and their manifests to S3 under
// `<prefix>/<symbol>/<data_type>/<interval>/`.
type S3Publisher struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	version string
	log     *logger.Log
}

// NewS3Publisher configures the AWS SDK from the storage settings.
func NewS3Publisher(ctx context.Context, cfg *appconfig.Config) (*S3Publisher, error) {
	log := logger.GetLogger()
	s3cfg := cfg.Storage.S3

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3cfg.AccessKeyID,
				s3cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("s3 publisher initialized")

	return NewS3PublisherWithClient(client, s3cfg.Bucket, s3cfg.Prefix, cfg.Klineflow.Version), nil
}

// NewS3PublisherWithClient wraps an existing client.
func NewS3PublisherWithClient(client ObjectPutter, bucket, prefix, version string) *S3Publisher {
	return &S3Publisher{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		version: version,
		log:     logger.GetLogger(),
	}
}

// ObjectKey returns the key a local file is published under.
func (p *S3Publisher) ObjectKey(id models.DatasetIdentifier, filename string) string {
	parts := []string{id.Symbol, id.DataType, id.Interval, filename}
	if p.prefix != "" {
		parts = append([]string{p.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Publish uploads each local file and returns the keys written.
func (p *S3Publisher) Publish(ctx context.Context, id models.DatasetIdentifier, files ...string) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, f := range files {
		key := p.ObjectKey(id, filepath.Base(f))
		if err := p.upload(ctx, f, key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *S3Publisher) upload(ctx context.Context, file, key string) error {
	body, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer body.Close()

	info, err := body.Stat()
	if err != nil {
		return err
	}

	log := p.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"key":       key,
		"data_size": info.Size(),
	})
	log.Info("uploading to S3")

	contentType := "application/octet-stream"
	if strings.HasSuffix(file, ".json") {
		contentType = "application/json"
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"klineflow-version": p.version,
		},
	}

	if _, err := p.client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", p.bucket, err)
	}

	log.Info("successfully uploaded to S3")
	logger.GetLogger().LogMetric("s3_writer", "uploaded_bytes", info.Size(), "counter", logger.Fields{"bucket": p.bucket})
	return nil
}
