package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// localStore writes objects under a root directory using the same key layout
// as the remote bucket. Writes go to a temp file and rename in, so a partial
// write never shadows a completed object.
type localStore struct {
	log  *logger.Logger
	root string
}

func newLocalStore(log *logger.Logger) (*localStore, error) {
	root := envutil.Str("LOCAL_STORAGE_ROOT", "/var/lib/vidforge/objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage root: %w", err)
	}
	return &localStore{log: log.With("component", "LocalStore"), root: root}, nil
}

func (s *localStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

// write streams r to key, returning size and sha256.
func (s *localStore) write(key string, r io.Reader) (int64, string, error) {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return 0, "", fmt.Errorf("write local object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, "", fmt.Errorf("finalize local object: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *localStore) open(key string) (io.ReadCloser, error) {
	return os.Open(s.path(key))
}

func (s *localStore) exists(key string) (bool, error) {
	return s.existsPath(s.path(key))
}

func (s *localStore) existsPath(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *localStore) remove(key string) error {
	return s.removePath(s.path(key))
}

func (s *localStore) removePath(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// removePrefix deletes every object under prefix. Used by retention cleanup.
func (s *localStore) removePrefix(prefix string) error {
	dir := s.path(prefix)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return os.Remove(dir)
	}
	return os.RemoveAll(dir)
}
