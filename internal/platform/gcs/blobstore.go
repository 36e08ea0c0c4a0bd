package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/utils"
)

// ErrBlobNotFound reports a missing object.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the durable content store. Keys under storage/ are
// content-addressed by checksum and therefore immutable: concurrent writers
// racing on the same key write identical bytes, so overwrites are safe.
// Export artifacts live under databases/ and are the one mutable namespace.
type BlobStore interface {
	Save(ctx context.Context, key string, r io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type blobStore struct {
	log       *logger.Logger
	client    *storage.Client
	bucket    string
	publicURL string
}

// NewBlobStore builds a GCS-backed store from the environment. Setting
// STORAGE_EMULATOR_HOST points the client at a fake-gcs-server for local
// development.
func NewBlobStore(ctx context.Context, baseLog *logger.Logger) (BlobStore, error) {
	log := baseLog.With("service", "BlobStore")

	bucket := os.Getenv("CONTENT_GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var CONTENT_GCS_BUCKET_NAME")
	}
	publicURL := utils.GetEnv("CONTENT_PUBLIC_BASE_URL", "", log)

	var opts []option.ClientOption
	emulator := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST"))
	if emulator != "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	log.Info("Blob store initialized", "bucket", bucket, "emulator_host", emulator)
	return &blobStore{
		log:       log,
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

func (bs *blobStore) Save(ctx context.Context, key string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := bs.client.Bucket(bs.bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write blob %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer for %q: %w", key, err)
	}
	return nil
}

func (bs *blobStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := bs.client.Bucket(bs.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob %q: %w", key, err)
	}
	return true, nil
}

func (bs *blobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := bs.client.Bucket(bs.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %q: %w", key, err)
	}
	return r, nil
}

func (bs *blobStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := bs.client.Bucket(bs.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob %q: %w", key, err)
	}
	return nil
}

func (bs *blobStore) PublicURL(key string) string {
	if bs.publicURL != "" {
		return fmt.Sprintf("%s/%s", bs.publicURL, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucket, key)
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".gif"):
		return "image/gif"
	case strings.HasSuffix(s, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(s, ".mp4"), strings.HasSuffix(s, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".zip"):
		return "application/zip"
	case strings.HasSuffix(s, ".sqlite3"):
		return "application/octet-stream"
	default:
		return ""
	}
}
