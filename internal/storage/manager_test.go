package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// memFileRepo keeps metadata rows in a map; enough for manager tests.
type memFileRepo struct {
	rows map[uuid.UUID]*domain.FileMetadata
}

func newMemFileRepo() *memFileRepo {
	return &memFileRepo{rows: map[uuid.UUID]*domain.FileMetadata{}}
}

func (r *memFileRepo) Insert(_ dbctx.Context, f *domain.FileMetadata) (*domain.FileMetadata, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	r.rows[f.ID] = f
	return f, nil
}

func (r *memFileRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.FileMetadata, error) {
	f, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (r *memFileRepo) ListByJob(_ dbctx.Context, jobID uuid.UUID) ([]*domain.FileMetadata, error) {
	var out []*domain.FileMetadata
	for _, f := range r.rows {
		if f.JobID != nil && *f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memFileRepo) FindByLogicalName(_ dbctx.Context, jobID uuid.UUID, kind string, sceneIndex *int, logicalName string) (*domain.FileMetadata, error) {
	for _, f := range r.rows {
		if f.JobID == nil || *f.JobID != jobID || f.Kind != kind || f.LogicalName != logicalName {
			continue
		}
		if (f.SceneIndex == nil) != (sceneIndex == nil) {
			continue
		}
		if sceneIndex != nil && *f.SceneIndex != *sceneIndex {
			continue
		}
		return f, nil
	}
	return nil, nil
}

func (r *memFileRepo) Delete(_ dbctx.Context, id uuid.UUID) error {
	delete(r.rows, id)
	return nil
}

func (r *memFileRepo) DeleteByJob(_ dbctx.Context, jobID uuid.UUID) error {
	for id, f := range r.rows {
		if f.JobID != nil && *f.JobID == jobID {
			delete(r.rows, id)
		}
	}
	return nil
}

// downRemote fails every write; counts how often the backend is reached.
type downRemote struct {
	calls int
}

func (d *downRemote) write(context.Context, string, string, int64, io.Reader) (int64, string, string, error) {
	d.calls++
	return 0, "", "", fmt.Errorf("bucket unavailable")
}

func (d *downRemote) open(context.Context, string) (io.ReadCloser, error) {
	d.calls++
	return nil, fmt.Errorf("bucket unavailable")
}

func (d *downRemote) exists(context.Context, string) (bool, error) { return false, nil }
func (d *downRemote) remove(context.Context, string) error         { return nil }
func (d *downRemote) signedURL(string, time.Duration) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}
func (d *downRemote) bucketName() string { return "test-bucket" }
func (d *downRemote) Close() error       { return nil }

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func localManager(t *testing.T) (Manager, *memFileRepo) {
	t.Helper()
	t.Setenv("STORAGE_MODE", "local_only")
	t.Setenv("LOCAL_STORAGE_ROOT", t.TempDir())
	repo := newMemFileRepo()
	m, err := NewManager(testLog(t), repo, breaker.NewRegistry(testLog(t), clock.System()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, repo
}

func putReq(jobID uuid.UUID) PutRequest {
	return PutRequest{
		OwnerUserID: uuid.New(),
		JobID:       jobID,
		Kind:        domain.FileKindCombinedVideo,
		LogicalName: "combined.mp4",
		Key:         fmt.Sprintf("users/u/jobs/%s/videos/combined.mp4", jobID),
		ContentType: "video/mp4",
		Body:        strings.NewReader("not really a video"),
	}
}

func TestManagerDeleteAndExists(t *testing.T) {
	m, _ := localManager(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	meta, err := m.Put(dbc, putReq(uuid.New()))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := m.Exists(dbc, meta.ID)
	if err != nil || !ok {
		t.Fatalf("Exists after put: ok=%v err=%v", ok, err)
	}

	if err := m.Delete(dbc, meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = m.Exists(dbc, meta.ID)
	if err != nil || ok {
		t.Fatalf("Exists after delete: ok=%v err=%v", ok, err)
	}

	// Deleting twice is a no-op.
	if err := m.Delete(dbc, meta.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	// Unknown ids are not errors either.
	if err := m.Delete(dbc, uuid.New()); err != nil {
		t.Fatalf("Delete unknown: %v", err)
	}
}

func TestManagerRemoteWritesShortCircuitWhenBucketFlaps(t *testing.T) {
	log := testLog(t)
	remote := &downRemote{}
	reg := breaker.NewRegistry(log, clock.System())
	m := &manager{
		log:        log.With("service", "StorageManager"),
		mode:       ModeRemoteOnly,
		remote:     remote,
		objBreaker: reg.Get("object_store", breaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute}),
		fileRepo:   newMemFileRepo(),
	}
	dbc := dbctx.Context{Ctx: context.Background()}

	for i := 0; i < 2; i++ {
		if _, err := m.Put(dbc, putReq(uuid.New())); err == nil {
			t.Fatalf("put %d should fail against a down bucket", i)
		}
	}
	if remote.calls != 2 {
		t.Fatalf("backend calls = %d, want 2", remote.calls)
	}

	_, err := m.Put(dbc, putReq(uuid.New()))
	if apierr.KindOf(err) != apierr.KindDependencyUnavailable {
		t.Fatalf("kind = %v, want dependency_unavailable once the breaker opens", apierr.KindOf(err))
	}
	if remote.calls != 2 {
		t.Fatalf("open breaker must not reach the backend; calls = %d", remote.calls)
	}
}
