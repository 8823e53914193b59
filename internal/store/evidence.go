package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Evidence persists the JPEG snapshot captured when an event is accepted.
// Save returns a reference usable later to retrieve the image: a filesystem
// path for the local backend, an object key for the MinIO backend.
type Evidence interface {
	Save(ctx context.Context, category, subjectKey string, jpeg []byte) (string, error)
}

// LocalEvidence writes snapshots under a single directory.
type LocalEvidence struct {
	dir string
	log *zap.Logger
}

func NewLocalEvidence(dir string) (*LocalEvidence, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence directory: %w", err)
	}
	return &LocalEvidence{dir: dir, log: zap.L().Named("evidence")}, nil
}

func (e *LocalEvidence) Save(_ context.Context, category, subjectKey string, jpeg []byte) (string, error) {
	path := filepath.Join(e.dir, evidenceName(category, subjectKey))
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("writing evidence snapshot: %w", err)
	}
	e.log.Debug("evidence saved", zap.String("path", path), zap.Int("bytes", len(jpeg)))
	return path, nil
}

// MinIOEvidence stores snapshots in an object bucket.
type MinIOEvidence struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// MinIOConfig holds the object storage connection settings.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
}

func NewMinIOEvidence(cfg MinIOConfig) (*MinIOEvidence, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking evidence bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating evidence bucket: %w", err)
		}
	}

	return &MinIOEvidence{
		client: client,
		bucket: cfg.Bucket,
		log:    zap.L().Named("evidence"),
	}, nil
}

func (e *MinIOEvidence) Save(ctx context.Context, category, subjectKey string, jpeg []byte) (string, error) {
	key := evidenceName(category, subjectKey)

	op := func() error {
		_, err := e.client.PutObject(ctx, e.bucket, key,
			bytes.NewReader(jpeg), int64(len(jpeg)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("uploading evidence snapshot: %w", err)
	}

	e.log.Debug("evidence uploaded", zap.String("key", key), zap.Int("bytes", len(jpeg)))
	return key, nil
}

func evidenceName(category, subjectKey string) string {
	return fmt.Sprintf("%s_%s_%s.jpg", category, sanitizeKey(subjectKey), uuid.NewString())
}

// sanitizeKey strips anything from a subject key that could act as a path
// component. Subject keys come from operator-edited config, so a key like
// "../../etc" must not escape the evidence directory.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
