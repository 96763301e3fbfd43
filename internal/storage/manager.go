package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/data/repos/files"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Mode string

const (
	ModeLocalOnly      Mode = "local_only"
	ModeRemoteOnly     Mode = "remote_only"
	ModeLocalAndRemote Mode = "local_and_remote"
)

const (
	minPresignTTL = 60 * time.Second
	maxPresignTTL = 7 * 24 * time.Hour
)

// PutRequest describes one artifact write. LogicalName is the idempotency
// key: a second Put with the same (job, kind, scene, logical name) returns
// the original metadata row without rewriting bytes.
type PutRequest struct {
	OwnerUserID uuid.UUID
	JobID       uuid.UUID
	Kind        string
	SceneIndex  *int
	LogicalName string
	Key         string
	ContentType string
	SizeHint    int64
	Body        io.Reader
}

// Manager is the single write path for artifacts. Metadata is recorded only
// after the backing write succeeded, so a file_metadata row always points at
// real bytes.
type Manager interface {
	Put(dbc dbctx.Context, req PutRequest) (*domain.FileMetadata, error)
	PutLocalFile(dbc dbctx.Context, req PutRequest, sourcePath string) (*domain.FileMetadata, error)
	Open(ctx context.Context, f *domain.FileMetadata) (io.ReadCloser, error)
	PresignGet(f *domain.FileMetadata, ttl time.Duration) (string, error)

	// Exists reports whether some backend still holds the artifact bytes.
	Exists(dbc dbctx.Context, fileID uuid.UUID) (bool, error)

	// Delete removes one artifact from every backend, then its metadata row.
	// Missing objects are skipped; deleting twice is a no-op.
	Delete(dbc dbctx.Context, fileID uuid.UUID) error

	DeleteJobObjects(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) error

	// RemoveLocalJobData drops the local copies for a job; remote objects and
	// metadata are untouched. Used by partial-retention cleanup.
	RemoveLocalJobData(ownerUserID, jobID uuid.UUID) error

	Mode() Mode
	Close() error
}

// remoteStore is the object-store backend surface; satisfied by gcsStore.
type remoteStore interface {
	write(ctx context.Context, key, contentType string, sizeHint int64, r io.Reader) (int64, string, string, error)
	open(ctx context.Context, key string) (io.ReadCloser, error)
	exists(ctx context.Context, key string) (bool, error)
	remove(ctx context.Context, key string) error
	signedURL(key string, ttl time.Duration) (string, error)
	bucketName() string
	Close() error
}

type manager struct {
	log        *logger.Logger
	mode       Mode
	local      *localStore
	remote     remoteStore
	objBreaker *breaker.Breaker
	fileRepo   files.Repo
}

func NewManager(log *logger.Logger, fileRepo files.Repo, breakers *breaker.Registry) (Manager, error) {
	mode := Mode(strings.ToLower(envutil.Str("STORAGE_MODE", string(ModeLocalAndRemote))))
	switch mode {
	case ModeLocalOnly, ModeRemoteOnly, ModeLocalAndRemote:
	default:
		return nil, fmt.Errorf("invalid STORAGE_MODE %q", mode)
	}

	m := &manager{
		log:      log.With("service", "StorageManager"),
		mode:     mode,
		fileRepo: fileRepo,
	}

	if mode != ModeRemoteOnly {
		local, err := newLocalStore(log)
		if err != nil {
			return nil, err
		}
		m.local = local
	}
	if mode != ModeLocalOnly {
		remote, err := newGCSStore(log)
		if err != nil {
			return nil, err
		}
		if breakers == nil {
			return nil, fmt.Errorf("remote storage requires a breaker registry")
		}
		m.remote = remote
		m.objBreaker = breakers.Get("object_store", breaker.Config{})
	}
	return m, nil
}

// Remote calls run under the object_store breaker; a flapping bucket fails
// fast instead of stalling every upload.
func (m *manager) remoteWrite(ctx context.Context, key, contentType string, sizeHint int64, r io.Reader) (n int64, sum, version string, err error) {
	err = m.objBreaker.Do(ctx, func(cctx context.Context) error {
		var werr error
		n, sum, version, werr = m.remote.write(cctx, key, contentType, sizeHint, r)
		return werr
	})
	return n, sum, version, err
}

func (m *manager) remoteOpen(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	err = m.objBreaker.Do(ctx, func(cctx context.Context) error {
		var oerr error
		rc, oerr = m.remote.open(cctx, key)
		return oerr
	})
	return rc, err
}

func (m *manager) remoteExists(ctx context.Context, key string) (ok bool, err error) {
	err = m.objBreaker.Do(ctx, func(cctx context.Context) error {
		var eerr error
		ok, eerr = m.remote.exists(cctx, key)
		return eerr
	})
	return ok, err
}

func (m *manager) remoteRemove(ctx context.Context, key string) error {
	return m.objBreaker.Do(ctx, func(cctx context.Context) error {
		return m.remote.remove(cctx, key)
	})
}

func (m *manager) Mode() Mode { return m.mode }

func (m *manager) Put(dbc dbctx.Context, req PutRequest) (*domain.FileMetadata, error) {
	if req.Key == "" || req.LogicalName == "" {
		return nil, apierr.Ef(apierr.KindInternal, domain.StageStorage, "storage put requires key and logical name")
	}

	if existing, err := m.fileRepo.FindByLogicalName(dbc, req.JobID, req.Kind, req.SceneIndex, req.LogicalName); err != nil {
		return nil, apierr.E(apierr.KindInternal, domain.StageStorage, err)
	} else if existing != nil {
		return existing, nil
	}

	meta := &domain.FileMetadata{
		ID:          uuid.New(),
		OwnerUserID: req.OwnerUserID,
		JobID:       &req.JobID,
		Kind:        req.Kind,
		SceneIndex:  req.SceneIndex,
		LogicalName: req.LogicalName,
		ContentType: req.ContentType,
	}

	body := req.Body
	switch m.mode {
	case ModeLocalOnly:
		n, sum, err := m.local.write(req.Key, body)
		if err != nil {
			return nil, m.classifyWrite(err)
		}
		meta.LocalPath = m.local.path(req.Key)
		meta.SizeBytes = n
		meta.ChecksumSHA256 = sum

	case ModeRemoteOnly:
		n, sum, version, err := m.remoteWrite(dbc.Ctx, req.Key, req.ContentType, req.SizeHint, body)
		if err != nil {
			return nil, m.classifyWrite(err)
		}
		meta.Bucket = m.remote.bucketName()
		meta.ObjectKey = req.Key
		meta.SizeBytes = n
		meta.ChecksumSHA256 = sum
		meta.VersionID = version

	case ModeLocalAndRemote:
		n, sum, err := m.local.write(req.Key, body)
		if err != nil {
			return nil, m.classifyWrite(err)
		}
		local, err := m.local.open(req.Key)
		if err != nil {
			return nil, m.classifyWrite(err)
		}
		rn, rsum, version, werr := m.remoteWrite(dbc.Ctx, req.Key, req.ContentType, n, local)
		_ = local.Close()
		if werr != nil {
			return nil, m.classifyWrite(werr)
		}
		if rn != n || rsum != sum {
			return nil, apierr.Ef(apierr.KindDependencyError, domain.StageStorage,
				"remote write mismatch for %q: local %d/%s remote %d/%s", req.Key, n, sum, rn, rsum)
		}
		meta.LocalPath = m.local.path(req.Key)
		meta.Bucket = m.remote.bucketName()
		meta.ObjectKey = req.Key
		meta.SizeBytes = n
		meta.ChecksumSHA256 = sum
		meta.VersionID = version
	}

	inserted, err := m.fileRepo.Insert(dbc, meta)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, domain.StageStorage, err)
	}
	return inserted, nil
}

// PutLocalFile uploads an already-rendered local file.
func (m *manager) PutLocalFile(dbc dbctx.Context, req PutRequest, sourcePath string) (*domain.FileMetadata, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, domain.StageStorage, fmt.Errorf("open artifact %q: %w", sourcePath, err))
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil {
		req.SizeHint = info.Size()
	}
	req.Body = f
	return m.Put(dbc, req)
}

func (m *manager) Open(ctx context.Context, f *domain.FileMetadata) (io.ReadCloser, error) {
	if f == nil {
		return nil, apierr.Ef(apierr.KindNotFound, "", "file metadata missing")
	}
	if f.LocalPath != "" && m.local != nil {
		if rc, err := os.Open(f.LocalPath); err == nil {
			return rc, nil
		}
	}
	if f.ObjectKey != "" && m.remote != nil {
		return m.remoteOpen(ctx, f.ObjectKey)
	}
	return nil, apierr.Ef(apierr.KindNotFound, "", "no readable copy of %q", f.LogicalName)
}

func (m *manager) Exists(dbc dbctx.Context, fileID uuid.UUID) (bool, error) {
	f, err := m.fileRepo.GetByID(dbc, fileID)
	if err != nil {
		return false, apierr.E(apierr.KindInternal, "", err)
	}
	if f == nil {
		return false, nil
	}
	if m.local != nil && f.LocalPath != "" {
		ok, lerr := m.local.existsPath(f.LocalPath)
		if lerr != nil {
			return false, apierr.E(apierr.KindInternal, "", lerr)
		}
		if ok {
			return true, nil
		}
	}
	if m.remote != nil && f.ObjectKey != "" {
		ok, rerr := m.remoteExists(dbc.Ctx, f.ObjectKey)
		if rerr != nil {
			return false, m.classifyWrite(rerr)
		}
		return ok, nil
	}
	return false, nil
}

func (m *manager) Delete(dbc dbctx.Context, fileID uuid.UUID) error {
	f, err := m.fileRepo.GetByID(dbc, fileID)
	if err != nil {
		return apierr.E(apierr.KindInternal, "", err)
	}
	if f == nil {
		return nil
	}
	if m.remote != nil && f.ObjectKey != "" {
		if rerr := m.remoteRemove(dbc.Ctx, f.ObjectKey); rerr != nil {
			return m.classifyWrite(rerr)
		}
	}
	if m.local != nil {
		var lerr error
		if f.ObjectKey != "" {
			lerr = m.local.remove(f.ObjectKey)
		} else if f.LocalPath != "" {
			lerr = m.local.removePath(f.LocalPath)
		}
		if lerr != nil {
			return apierr.E(apierr.KindInternal, "", lerr)
		}
	}
	if derr := m.fileRepo.Delete(dbc, fileID); derr != nil {
		return apierr.E(apierr.KindInternal, "", derr)
	}
	return nil
}

// PresignGet returns a time-limited GET URL for a remote object. TTL is
// clamped to [60s, 7d].
func (m *manager) PresignGet(f *domain.FileMetadata, ttl time.Duration) (string, error) {
	if f == nil || f.ObjectKey == "" {
		return "", apierr.Ef(apierr.KindConflict, "", "artifact has no remote copy")
	}
	if m.remote == nil {
		return "", apierr.Ef(apierr.KindConflict, "", "remote storage disabled")
	}
	if ttl < minPresignTTL {
		ttl = minPresignTTL
	}
	if ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	u, err := m.remote.signedURL(f.ObjectKey, ttl)
	if err != nil {
		return "", apierr.E(apierr.KindDependencyError, "", err)
	}
	return u, nil
}

func (m *manager) DeleteJobObjects(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) error {
	metas, err := m.fileRepo.ListByJob(dbc, jobID)
	if err != nil {
		return err
	}
	for _, f := range metas {
		if f.ObjectKey != "" && m.remote != nil {
			if err := m.remoteRemove(dbc.Ctx, f.ObjectKey); err != nil {
				m.log.Warn("Failed deleting remote object", "key", f.ObjectKey, "error", err)
			}
		}
	}
	if m.local != nil {
		if err := m.local.removePrefix(JobPrefix(ownerUserID, jobID)); err != nil {
			m.log.Warn("Failed deleting local objects", "job_id", jobID, "error", err)
		}
	}
	return m.fileRepo.DeleteByJob(dbc, jobID)
}

func (m *manager) RemoveLocalJobData(ownerUserID, jobID uuid.UUID) error {
	if m.local == nil {
		return nil
	}
	return m.local.removePrefix(JobPrefix(ownerUserID, jobID))
}

func (m *manager) classifyWrite(err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return apierr.E(apierr.KindTimeout, domain.StageStorage, err)
	}
	return apierr.E(apierr.KindDependencyError, domain.StageStorage, err)
}

func (m *manager) Close() error {
	if m.remote != nil {
		return m.remote.Close()
	}
	return nil
}
