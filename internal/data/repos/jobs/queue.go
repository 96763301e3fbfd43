package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// QueueRepo owns the job_queue table. Dequeue is the serialization point:
// SELECT ... FOR UPDATE SKIP LOCKED inside a transaction means concurrent
// workers never see the same runnable row.
type QueueRepo interface {
	Enqueue(dbc dbctx.Context, entry *domain.QueueEntry) error
	Get(dbc dbctx.Context, jobID uuid.UUID) (*domain.QueueEntry, error)

	// Dequeue claims the highest-priority runnable entry for workerID, or nil
	// when the queue is empty. The lease lasts ttl from now.
	Dequeue(dbc dbctx.Context, workerID string, now time.Time, ttl time.Duration) (*domain.QueueEntry, error)

	// RenewLease extends the lease held by workerID; false means the lease
	// was already lost.
	RenewLease(dbc dbctx.Context, jobID uuid.UUID, workerID string, now time.Time, ttl time.Duration) (bool, error)

	// Ack removes the entry. Only the lease holder may ack.
	Ack(dbc dbctx.Context, jobID uuid.UUID, workerID string) (bool, error)

	// Nack releases the lease, bumps attempts and hides the entry until
	// now+delay. Entries past maxAttempts are dead-lettered instead; the
	// returned entry reflects the post-nack row.
	Nack(dbc dbctx.Context, jobID uuid.UUID, workerID string, now time.Time, delay time.Duration, maxAttempts int) (*domain.QueueEntry, error)

	Delete(dbc dbctx.Context, jobID uuid.UUID) error

	// Depth counts runnable entries per priority class.
	Depth(dbc dbctx.Context, now time.Time) (map[int]int64, error)
}

type queueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return &queueRepo{db: db, log: baseLog.With("repo", "QueueRepo")}
}

func (r *queueRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *queueRepo) Enqueue(dbc dbctx.Context, entry *domain.QueueEntry) error {
	if entry == nil || entry.JobID == uuid.Nil {
		return nil
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if entry.VisibleAfter.IsZero() {
		entry.VisibleAfter = entry.EnqueuedAt
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(entry).Error
}

func (r *queueRepo) Get(dbc dbctx.Context, jobID uuid.UUID) (*domain.QueueEntry, error) {
	if jobID == uuid.Nil {
		return nil, nil
	}
	var e domain.QueueEntry
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("job_id = ?", jobID).Limit(1).Find(&e).Error
	if err != nil {
		return nil, err
	}
	if e.JobID == uuid.Nil {
		return nil, nil
	}
	return &e, nil
}

func (r *queueRepo) Dequeue(dbc dbctx.Context, workerID string, now time.Time, ttl time.Duration) (*domain.QueueEntry, error) {
	var claimed *domain.QueueEntry
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var e domain.QueueEntry
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("dead_lettered = false").
			Where("visible_after <= ?", now).
			Where("lease_owner IS NULL OR lease_expires_at <= ?", now).
			Order("priority DESC, enqueued_at ASC").
			Limit(1).
			Find(&e).Error
		if err != nil {
			return err
		}
		if e.JobID == uuid.Nil {
			return nil
		}
		expires := now.Add(ttl)
		res := tx.Model(&domain.QueueEntry{}).
			Where("job_id = ?", e.JobID).
			Updates(map[string]interface{}{
				"lease_owner":      workerID,
				"lease_expires_at": expires,
			})
		if res.Error != nil {
			return res.Error
		}
		e.LeaseOwner = &workerID
		e.LeaseExpiresAt = &expires
		claimed = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *queueRepo) RenewLease(dbc dbctx.Context, jobID uuid.UUID, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueEntry{}).
		Where("job_id = ? AND lease_owner = ? AND lease_expires_at > ?", jobID, workerID, now).
		Update("lease_expires_at", now.Add(ttl))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueRepo) Ack(dbc dbctx.Context, jobID uuid.UUID, workerID string) (bool, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ? AND lease_owner = ?", jobID, workerID).
		Delete(&domain.QueueEntry{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueRepo) Nack(dbc dbctx.Context, jobID uuid.UUID, workerID string, now time.Time, delay time.Duration, maxAttempts int) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var e domain.QueueEntry
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND lease_owner = ?", jobID, workerID).
			Limit(1).
			Find(&e).Error
		if err != nil {
			return err
		}
		if e.JobID == uuid.Nil {
			return nil
		}
		e.Attempts++
		updates := map[string]interface{}{
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"attempts":         e.Attempts,
			"visible_after":    now.Add(delay),
		}
		if e.Attempts > maxAttempts {
			e.DeadLettered = true
			updates["dead_lettered"] = true
		}
		if err := tx.Model(&domain.QueueEntry{}).Where("job_id = ?", jobID).Updates(updates).Error; err != nil {
			return err
		}
		e.LeaseOwner = nil
		e.LeaseExpiresAt = nil
		e.VisibleAfter = now.Add(delay)
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *queueRepo) Delete(dbc dbctx.Context, jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Where("job_id = ?", jobID).Delete(&domain.QueueEntry{}).Error
}

func (r *queueRepo) Depth(dbc dbctx.Context, now time.Time) (map[int]int64, error) {
	type row struct {
		Priority int
		N        int64
	}
	var rows []row
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueEntry{}).
		Select("priority, count(*) as n").
		Where("dead_lettered = false AND visible_after <= ?", now).
		Group("priority").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(rows))
	for _, r := range rows {
		out[r.Priority] = r.N
	}
	return out, nil
}
