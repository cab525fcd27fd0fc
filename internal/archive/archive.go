// Package archive stores full pipeline datasets outside the report row.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"insight-pipeline/internal/config"
	"insight-pipeline/internal/models"
)

const contentType = "application/json"

// Uploader writes one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver serializes datasets and hands them to an Uploader.
type Archiver struct {
	up Uploader
}

// New returns an archiver over up.
func New(up Uploader) *Archiver {
	return &Archiver{up: up}
}

// FromConfig picks S3 when a bucket is configured, a local directory when ARCHIVE_DIR is set,
// and returns nil when archiving is disabled.
func FromConfig(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return New(&S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	}
	if cfg.ArchiveDir != "" {
		return New(&LocalUploader{baseDir: cfg.ArchiveDir}), nil
	}
	return nil, nil
}

// Key is the object key for one pipeline run.
func Key(workspaceID, pipelineID string, at time.Time) string {
	return sanitizeKey(fmt.Sprintf("datasets/%s/%s/%s.json", workspaceID, pipelineID, at.UTC().Format("20060102T150405.000Z")))
}

// Archive writes the dataset as JSON under Key and returns its location.
func (a *Archiver) Archive(ctx context.Context, workspaceID, pipelineID string, at time.Time, ds models.Dataset) (string, error) {
	body, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("marshal dataset: %w", err)
	}
	loc, err := a.up.Upload(ctx, Key(workspaceID, pipelineID, at), body, contentType)
	if err != nil {
		return "", fmt.Errorf("archive dataset: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalUploader writes objects below a base directory.
type LocalUploader struct {
	baseDir string
}

// NewLocal returns an uploader rooted at dir.
func NewLocal(dir string) *LocalUploader {
	return &LocalUploader{baseDir: dir}
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
