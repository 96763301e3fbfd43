package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// gcsStore is the remote backend. In emulator mode (fake-gcs-server) signed
// URLs degrade to plain media URLs since the emulator does not verify
// signatures.
type gcsStore struct {
	log          *logger.Logger
	client       *gstorage.Client
	bucket       string
	emulator     bool
	emulatorHost string
	chunkSize    int
}

func newGCSStore(log *logger.Logger) (*gcsStore, error) {
	bucket := strings.TrimSpace(os.Getenv("VIDEO_GCS_BUCKET_NAME"))
	if bucket == "" {
		return nil, fmt.Errorf("missing env var VIDEO_GCS_BUCKET_NAME")
	}

	emulatorHost := strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/")
	emulator := emulatorHost != ""

	ctx := context.Background()
	var client *gstorage.Client
	var err error
	if emulator {
		client, err = gstorage.NewClient(ctx, option.WithoutAuthentication())
	} else {
		client, err = gstorage.NewClient(ctx, option.WithScopes(gstorage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	// Uploads above the threshold stream in resumable chunks of this size;
	// smaller objects go up in a single request.
	chunk := int(envutil.Int64("MULTIPART_THRESHOLD_BYTES", 26214400))

	serviceLog := log.With("component", "GCSStore")
	serviceLog.Info("Object storage initialized",
		"bucket", bucket,
		"emulator", emulator,
		"emulator_host", emulatorHost,
	)

	return &gcsStore{
		log:          serviceLog,
		client:       client,
		bucket:       bucket,
		emulator:     emulator,
		emulatorHost: emulatorHost,
		chunkSize:    chunk,
	}, nil
}

func (s *gcsStore) bucketName() string { return s.bucket }

// write streams r to key, returning size, sha256 and the object generation.
func (s *gcsStore) write(ctx context.Context, key, contentType string, sizeHint int64, r io.Reader) (int64, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if sizeHint > 0 && sizeHint <= int64(s.chunkSize) {
		// Single-shot upload for small objects.
		w.ChunkSize = 0
	} else {
		w.ChunkSize = s.chunkSize
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		_ = w.Close()
		return 0, "", "", fmt.Errorf("write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", "", fmt.Errorf("close writer for %q: %w", key, err)
	}

	version := ""
	if attrs := w.Attrs(); attrs != nil {
		version = fmt.Sprintf("%d", attrs.Generation)
	}
	return n, hex.EncodeToString(h.Sum(nil)), version, nil
}

func (s *gcsStore) open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return r, nil
}

func (s *gcsStore) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if err == gstorage.ErrObjectNotExist {
		return false, nil
	}
	return false, err
}

func (s *gcsStore) remove(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err == gstorage.ErrObjectNotExist {
		return nil
	}
	return err
}

// signedURL builds a V4 GET URL valid for ttl.
func (s *gcsStore) signedURL(key string, ttl time.Duration) (string, error) {
	if s.emulator {
		return fmt.Sprintf(
			"%s/storage/v1/b/%s/o/%s?alt=media",
			s.emulatorHost,
			url.PathEscape(s.bucket),
			url.PathEscape(key),
		), nil
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(key, &gstorage.SignedURLOptions{
		Scheme:  gstorage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign url for %q: %w", key, err)
	}
	return u, nil
}

func (s *gcsStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
