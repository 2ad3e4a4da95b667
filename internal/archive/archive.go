// Package archive lands every fetched page, untouched, as gzipped JSON in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/sync"
)

const (
	runKeyLayout      = "2006-01-02T15-04-05Z"
	bucketReadyTries  = 5
	bucketReadyPeriod = time.Second
)

// BucketAPI is the subset of the MinIO client the archiver needs
type BucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes pages under <prefix>/<dataset>/<run start>/<mode>/
type Archiver struct {
	client  BucketAPI
	bucket  string
	prefix  string
	dataset string
}

var _ sync.PageArchiver = (*Archiver)(nil)

// New connects to the configured endpoint and makes sure the bucket exists
func New(ctx context.Context, cfg *config.ArchiveConfig, dataset string) (*Archiver, error) {
	secret, err := cfg.GetSecretKey()
	if err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client for %s: %w", cfg.Endpoint, err)
	}

	a := NewWithClient(client, cfg.Bucket, cfg.GetPrefix(), dataset)
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithClient creates an archiver on an existing client
func NewWithClient(client BucketAPI, bucket, prefix, dataset string) *Archiver {
	return &Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		dataset: dataset,
	}
}

// EnsureBucket creates the bucket when missing. Storage that is still
// starting up is retried a few times.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	operation := func() (struct{}, error) {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			return struct{}{}, err
		}
		if exists {
			return struct{}{}, nil
		}
		slog.Info("Creating archive bucket", "bucket", a.bucket)
		return struct{}{}, a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(bucketReadyPeriod)),
		backoff.WithMaxTries(bucketReadyTries),
	)
	if err != nil {
		return fmt.Errorf("archive bucket %s not ready: %w", a.bucket, err)
	}
	return nil
}

// Key returns the object key of the page at offset within the window
func (a *Archiver) Key(window sync.Window, offset int) string {
	return path.Join(
		a.prefix,
		a.dataset,
		window.Until.UTC().Format(runKeyLayout),
		string(window.Mode),
		fmt.Sprintf("offset-%09d.json.gz", offset),
	)
}

// ArchivePage stores one page as a gzipped JSON array
func (a *Archiver) ArchivePage(ctx context.Context, window sync.Window, offset int, rows []sync.RawRecord) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode page at offset %d: %w", offset, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("failed to compress page at offset %d: %w", offset, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress page at offset %d: %w", offset, err)
	}

	key := a.Key(window, offset)
	reader := bytes.NewReader(buf.Bytes())
	_, err = a.client.PutObject(ctx, a.bucket, key, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"dataset":   a.dataset,
			"mode":      string(window.Mode),
			"predicate": window.Predicate(),
			"offset":    strconv.Itoa(offset),
			"records":   strconv.Itoa(len(rows)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", a.bucket, key, err)
	}

	slog.Debug("Archived page", "bucket", a.bucket, "key", key, "records", len(rows))
	return nil
}
