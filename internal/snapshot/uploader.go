// Package snapshot exports target tables as Parquet files and publishes them
// to S3-compatible object storage. When no bucket is configured the
// NoopUploader is used and exports stay local-only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/crmsync/internal/config"
)

// ErrNotConfigured is returned when snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

const parquetContentType = "application/vnd.apache.parquet"

// Uploader publishes snapshot files.
type Uploader interface {
	// Upload replaces object with the file at filePath. Earlier versions of
	// object are removed first.
	Upload(ctx context.Context, object, filePath string) error

	// Configured reports whether uploads reach remote storage.
	Configured() bool
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error
	ObjectVersions(ctx context.Context, bucket, objectName string) ([]string, error)
	RemoveObjectVersion(ctx context.Context, bucket, objectName, versionID string) error
}

// minioClientWrapper adapts *minio.Client to s3Client.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) ObjectVersions(ctx context.Context, bucket, objectName string) ([]string, error) {
	var versions []string
	for obj := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:       objectName,
		WithVersions: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		// Prefix listing also returns longer keys.
		if obj.Key != objectName {
			continue
		}
		versions = append(versions, obj.VersionID)
	}
	return versions, nil
}

func (w *minioClientWrapper) RemoveObjectVersion(ctx context.Context, bucket, objectName, versionID string) error {
	return w.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{
		VersionID: versionID,
	})
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// Upload removes every stored version of object and uploads filePath in its
// place. Version removal is best effort; the upload error is returned.
func (u *S3Uploader) Upload(ctx context.Context, object, filePath string) error {
	key := objectKey(u.prefix, object)
	logger := loggerFor("upload").With("bucket", u.bucket, "object", key)

	versions, err := u.client.ObjectVersions(ctx, u.bucket, key)
	if err != nil {
		logger.Warn("failed to list object versions", "error", err)
	}
	removed := 0
	for _, v := range versions {
		if err := u.client.RemoveObjectVersion(ctx, u.bucket, key, v); err != nil {
			logger.Warn("failed to remove object version", "version_id", v, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed previous versions", "count", removed)
	}

	if err := u.client.FPutObject(ctx, u.bucket, key, filePath, parquetContentType); err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// Configured always reports true.
func (u *S3Uploader) Configured() bool { return true }

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (u *NoopUploader) Upload(ctx context.Context, object, filePath string) error {
	return nil
}

// Configured always reports false.
func (u *NoopUploader) Configured() bool { return false }

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// stripScheme removes an http:// or https:// scheme from endpoint. An
// explicit scheme overrides *useSSL.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// objectKey joins the configured prefix and the object name.
func objectKey(prefix, object string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return object
	}
	return path.Join(prefix, object)
}
