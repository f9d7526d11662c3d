package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config holds object store client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SegmentsBucket  string
}

// S3 is the remote object store for media segments.
type S3 struct {
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an object store client using credentials from config or the
// environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
	} else {
		logger.Warn("object store using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3{uploader: uploader, cfg: cfg, logger: logger}, nil
}

// SegmentKey builds the stable composite identifier for one uploaded segment:
// {sessionID}/{role}/chunk-{index}-{ts}.
func SegmentKey(sessionID, role string, index int, ts int64) string {
	return path.Join(sessionID, role, fmt.Sprintf("chunk-%d-%d", index, ts))
}

// ObjectURL returns the public URL for an object in the segments bucket.
func (s *S3) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.SegmentsBucket, s.cfg.Region, key)
}

// Upload streams body to the segments bucket. When size is known (> 0) and
// progress is non-nil, progress receives a monotonic percent-complete as bytes
// are consumed. Returns the object's public URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64, progress func(pct int)) (string, error) {
	if size > 0 && progress != nil {
		body = &progressReader{r: body, total: size, report: progress}
	}
	var contentLength *int64
	if size > 0 {
		contentLength = &size
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.SegmentsBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLength,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.ObjectURL(key), nil
}

// progressReader reports percent-complete as the uploader consumes the body.
type progressReader struct {
	r      io.Reader
	total  int64
	read   atomic.Int64
	report func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		done := p.read.Add(int64(n))
		pct := int(done * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		p.report(pct)
	}
	return n, err
}
