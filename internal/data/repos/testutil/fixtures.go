package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/domain"
)

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, role string) *domain.User {
	tb.Helper()
	if role == "" {
		role = domain.RoleUser
	}
	u := &domain.User{
		ID:        uuid.New(),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID, priority, status string) *domain.Job {
	tb.Helper()
	now := time.Now().UTC()
	j := &domain.Job{
		ID:              uuid.New(),
		UserID:          userID,
		Priority:        priority,
		Status:          status,
		Configuration:   datatypes.JSON([]byte(`{"topic":"test"}`)),
		StagesCompleted: datatypes.JSON([]byte("[]")),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

func SeedQueueEntry(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID uuid.UUID, priority int, enqueuedAt time.Time) *domain.QueueEntry {
	tb.Helper()
	e := &domain.QueueEntry{
		JobID:        jobID,
		Priority:     priority,
		EnqueuedAt:   enqueuedAt,
		VisibleAfter: enqueuedAt,
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed queue entry: %v", err)
	}
	return e
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }

func PtrInt(v int) *int { return &v }
