package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	filerepo "github.com/yungbote/vidforge-backend/internal/data/repos/files"
	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	progressrepo "github.com/yungbote/vidforge-backend/internal/data/repos/progress"
	userrepo "github.com/yungbote/vidforge-backend/internal/data/repos/user"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/jobs/queue"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/progress"
	"github.com/yungbote/vidforge-backend/internal/sse"
	"github.com/yungbote/vidforge-backend/internal/storage"
)

const idempotencyWindow = 24 * time.Hour

// SubmitRequest is the decoded submission body.
type SubmitRequest struct {
	Configuration  json.RawMessage `json:"configuration"`
	Priority       string          `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// JobView is the status payload returned to clients.
type JobView struct {
	JobID       uuid.UUID           `json:"job_id"`
	Status      string              `json:"status"`
	Progress    ProgressView        `json:"progress"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *domain.ErrorRecord `json:"error,omitempty"`
}

type ProgressView struct {
	Percentage      float64  `json:"percentage"`
	CurrentStage    *string  `json:"current_stage"`
	StagesCompleted []string `json:"stages_completed"`
}

// ArtifactsView is the presigned artifact bundle for a completed job.
type ArtifactsView struct {
	VideoURL     string            `json:"video_url"`
	DownloadURL  string            `json:"download_url"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	SceneURLs    []string          `json:"scene_urls"`
	Thumbnails   map[string]string `json:"thumbnails,omitempty"`
	Metadata     ArtifactMetadata  `json:"metadata"`
}

type ArtifactMetadata struct {
	Duration int64  `json:"duration,omitempty"`
	Quality  string `json:"quality"`
	Format   string `json:"format"`
	FileSize int64  `json:"file_size"`
}

// VideoService owns the submission surface: submit, status, cancel,
// artifacts, list. All ownership checks live here, not in handlers.
type VideoService interface {
	Submit(ctx context.Context, rd *ctxutil.RequestData, req SubmitRequest) (*JobView, error)
	Status(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*JobView, error)
	Cancel(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*JobView, error)
	Artifacts(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*ArtifactsView, error)
	List(ctx context.Context, rd *ctxutil.RequestData, limit int) ([]*JobView, error)
	Events(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID, limit int) ([]*domain.ProgressEvent, error)
}

type videoService struct {
	db       *gorm.DB
	log      *logger.Logger
	clk      clock.Clock
	users    userrepo.Repo
	jobs     jobrepo.Repo
	files    filerepo.Repo
	progRepo progressrepo.Repo
	queue    *queue.Queue
	store    storage.Manager
	reporter *progress.Reporter

	presignTTL time.Duration
}

func NewVideoService(
	db *gorm.DB,
	log *logger.Logger,
	clk clock.Clock,
	users userrepo.Repo,
	jobs jobrepo.Repo,
	files filerepo.Repo,
	progRepo progressrepo.Repo,
	q *queue.Queue,
	store storage.Manager,
	reporter *progress.Reporter,
) VideoService {
	if clk == nil {
		clk = clock.System()
	}
	return &videoService{
		db:         db,
		log:        log.With("service", "VideoService"),
		clk:        clk,
		users:      users,
		jobs:       jobs,
		files:      files,
		progRepo:   progRepo,
		queue:      q,
		store:      store,
		reporter:   reporter,
		presignTTL: envutil.DurationSec("PRESIGN_TTL_SECONDS", time.Hour),
	}
}

func (s *videoService) Submit(ctx context.Context, rd *ctxutil.RequestData, req SubmitRequest) (*JobView, error) {
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.Ef(apierr.KindPermission, "", "no authenticated principal")
	}

	cfg, err := domain.DecodeVideoConfig(req.Configuration)
	if err != nil {
		return nil, apierr.E(apierr.KindValidation, "", fmt.Errorf("configuration: %w", err))
	}
	if err := cfg.Normalize(); err != nil {
		return nil, apierr.E(apierr.KindValidation, "", fmt.Errorf("configuration: %w", err))
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if _, ok := domain.PriorityClass(priority); !ok {
		return nil, apierr.Ef(apierr.KindValidation, "", "unknown priority %q", priority)
	}

	now := s.clk.Now()
	if req.IdempotencyKey != "" {
		existing, err := s.jobs.FindByIdempotencyKey(dbctx.Context{Ctx: ctx}, rd.UserID, req.IdempotencyKey, now.Add(-idempotencyWindow))
		if err != nil {
			return nil, apierr.E(apierr.KindInternal, "", err)
		}
		if existing != nil {
			return s.view(existing), nil
		}
	}

	normalized, err := json.Marshal(cfg)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}

	job := &domain.Job{
		ID:            s.clk.NewID(),
		UserID:        rd.UserID,
		Priority:      priority,
		Status:        domain.JobStatusQueued,
		Configuration: datatypes.JSON(normalized),
		Progress:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}

	// Job row and queue entry commit together; a visible job is always
	// dispatchable.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := s.users.CreateIfAbsent(dbc, rd.UserID, rd.Role); err != nil {
			return err
		}
		if _, err := s.jobs.Insert(dbc, job); err != nil {
			return err
		}
		return s.queue.Enqueue(dbc, job)
	})
	if err != nil {
		// Two racing submissions with the same key both pass the lookup
		// above; the unique index rejects the loser, which returns the row
		// the winner committed.
		if req.IdempotencyKey != "" && isDuplicateKey(err) {
			existing, ferr := s.jobs.FindByIdempotencyKey(dbctx.Context{Ctx: ctx}, rd.UserID, req.IdempotencyKey, time.Time{})
			if ferr == nil && existing != nil {
				return s.view(existing), nil
			}
		}
		if ae, ok := err.(*apierr.Error); ok {
			return nil, ae
		}
		return nil, apierr.E(apierr.KindInternal, "", err)
	}

	s.log.Info("Job submitted", "job_id", job.ID, "priority", priority)
	return s.view(job), nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "SQLSTATE 23505")
}

func (s *videoService) Status(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*JobView, error) {
	job, err := s.authorizedJob(ctx, rd, jobID)
	if err != nil {
		return nil, err
	}
	return s.view(job), nil
}

func (s *videoService) Cancel(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*JobView, error) {
	job, err := s.authorizedJob(ctx, rd, jobID)
	if err != nil {
		return nil, err
	}
	if domain.TerminalStatus(job.Status) {
		return nil, apierr.Ef(apierr.KindConflict, "", "job is already %s", job.Status)
	}

	now := s.clk.Now()
	wasQueued := job.Status == domain.JobStatusQueued

	ok, err := s.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		map[string]interface{}{
			"status":       domain.JobStatusCancelled,
			"completed_at": now,
		})
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}
	if !ok {
		// Lost the race against a terminal transition.
		return nil, apierr.Ef(apierr.KindConflict, "", "job reached a terminal state first")
	}

	// A queued entry can be removed outright; a leased one is settled by the
	// worker, whose status watcher cancels the active run.
	if wasQueued {
		if err := s.queue.Remove(dbctx.Context{Ctx: ctx}, jobID); err != nil {
			s.log.Warn("Failed removing queue entry for cancelled job", "job_id", jobID, "error", err)
		}
	}

	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now

	s.log.Info("Job cancelled", "job_id", jobID, "was_queued", wasQueued)
	if s.reporter != nil {
		s.reporter.Terminal(dbctx.Context{Ctx: ctx}, jobID, sse.EventJobCancelled, map[string]any{
			"job_id": jobID,
			"status": domain.JobStatusCancelled,
		})
	}
	return s.view(job), nil
}

func (s *videoService) Artifacts(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*ArtifactsView, error) {
	job, err := s.authorizedJob(ctx, rd, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, apierr.Ef(apierr.KindConflict, "", "artifacts are available once the job completes; status is %s", job.Status)
	}

	list, err := s.files.ListByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}

	cfg, _ := domain.DecodeVideoConfig(job.Configuration)
	out := &ArtifactsView{
		Thumbnails: map[string]string{},
		Metadata: ArtifactMetadata{
			Quality:  cfg.Quality,
			Format:   cfg.OutputFormat,
			Duration: combinedDurationMS(job.State),
		},
	}

	for _, f := range list {
		url, perr := s.store.PresignGet(f, s.presignTTL)
		if perr != nil {
			return nil, perr
		}
		switch f.Kind {
		case domain.FileKindCombinedVideo:
			out.VideoURL = url
			out.DownloadURL = url
			out.Metadata.FileSize = f.SizeBytes
		case domain.FileKindSceneVideo:
			out.SceneURLs = append(out.SceneURLs, url)
		case domain.FileKindThumbnail:
			name := f.LogicalName
			out.Thumbnails[name] = url
			if name == "medium.jpg" || (out.ThumbnailURL == "" && name != "cover.png") {
				out.ThumbnailURL = url
			}
		}
	}

	if out.VideoURL == "" {
		return nil, apierr.Ef(apierr.KindInternal, "", "completed job %s has no combined video", jobID)
	}
	return out, nil
}

func (s *videoService) List(ctx context.Context, rd *ctxutil.RequestData, limit int) ([]*JobView, error) {
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.Ef(apierr.KindPermission, "", "no authenticated principal")
	}
	jobs, err := s.jobs.ListByUser(dbctx.Context{Ctx: ctx}, rd.UserID, limit)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}
	views := make([]*JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, s.view(j))
	}
	return views, nil
}

// Events returns the persisted progress history for a job, oldest first.
func (s *videoService) Events(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID, limit int) ([]*domain.ProgressEvent, error) {
	if _, err := s.authorizedJob(ctx, rd, jobID); err != nil {
		return nil, err
	}
	events, err := s.progRepo.ListByJob(dbctx.Context{Ctx: ctx}, jobID, limit)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}
	return events, nil
}

func (s *videoService) authorizedJob(ctx context.Context, rd *ctxutil.RequestData, jobID uuid.UUID) (*domain.Job, error) {
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.Ef(apierr.KindPermission, "", "no authenticated principal")
	}
	job, err := s.jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", err)
	}
	if job == nil {
		return nil, apierr.Ef(apierr.KindNotFound, "", "job %s not found", jobID)
	}
	if job.UserID != rd.UserID && rd.Role != domain.RoleAdmin {
		return nil, apierr.Ef(apierr.KindPermission, "", "job belongs to another user")
	}
	return job, nil
}

func (s *videoService) view(job *domain.Job) *JobView {
	v := &JobView{
		JobID:  job.ID,
		Status: job.Status,
		Progress: ProgressView{
			Percentage:      job.Progress,
			CurrentStage:    job.CurrentStage,
			StagesCompleted: jobrepo.DecodeStages(job.StagesCompleted),
		},
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if len(job.Error) > 0 && string(job.Error) != "null" {
		var rec domain.ErrorRecord
		if err := json.Unmarshal(job.Error, &rec); err == nil {
			v.Error = &rec
		}
	}
	return v
}

// combinedDurationMS digs the combined duration out of the pipeline
// checkpoint. Best effort: 0 when the checkpoint is gone or malformed.
func combinedDurationMS(state datatypes.JSON) int64 {
	if len(state) == 0 {
		return 0
	}
	var st struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(state, &st); err != nil {
		return 0
	}
	raw, ok := st.Data[domain.StageCombining]
	if !ok {
		return 0
	}
	var combined struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(raw, &combined); err != nil {
		return 0
	}
	return combined.DurationMS
}
