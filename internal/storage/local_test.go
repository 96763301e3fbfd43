package storage

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

func newTestLocalStore(t *testing.T) *localStore {
	t.Helper()
	t.Setenv("LOCAL_STORAGE_ROOT", t.TempDir())
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	s, err := newLocalStore(log)
	if err != nil {
		t.Fatalf("newLocalStore: %v", err)
	}
	return s
}

func TestLocalStoreRoundtrip(t *testing.T) {
	s := newTestLocalStore(t)
	key := "users/u/jobs/j/videos/scene_000/output.mp4"
	payload := []byte("not really a video")

	n, sum, err := s.write(key, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("write size: got %d want %d", n, len(payload))
	}
	if len(sum) != 64 {
		t.Fatalf("checksum: got %q", sum)
	}

	ok, err := s.exists(key)
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	rc, err := s.open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read back: err=%v got=%q", err, got)
	}

	// Overwrite replaces atomically.
	if _, _, err := s.write(key, strings.NewReader("v2")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	rc, _ = s.open(key)
	got, _ = io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "v2" {
		t.Fatalf("rewrite read: got %q", got)
	}

	if err := s.remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := s.exists(key); ok {
		t.Fatalf("exists after remove")
	}
	// Removing a missing key is not an error.
	if err := s.remove(key); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}

func TestLocalStoreRemovePrefix(t *testing.T) {
	s := newTestLocalStore(t)
	keys := []string{
		"users/u/jobs/j1/videos/scene_000/output.mp4",
		"users/u/jobs/j1/code/scene_000.py",
		"users/u/jobs/j2/videos/combined.mp4",
	}
	for _, k := range keys {
		if _, _, err := s.write(k, strings.NewReader("x")); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}

	if err := s.removePrefix("users/u/jobs/j1/"); err != nil {
		t.Fatalf("removePrefix: %v", err)
	}
	for _, k := range keys[:2] {
		if ok, _ := s.exists(k); ok {
			t.Fatalf("key %s survived removePrefix", k)
		}
	}
	if ok, _ := s.exists(keys[2]); !ok {
		t.Fatalf("unrelated key removed")
	}
}
