package videogen

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/vidforge-backend/internal/clients/llm"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
)

// Limiter caps in-flight model calls per family across every job in the
// process. Per-job scene parallelism still applies on top of this.
type Limiter struct {
	sems map[llm.Family]*semaphore.Weighted
}

func NewLimiter() *Limiter {
	cap := func(key string) int64 {
		n := envutil.Int(key, 4)
		if n < 1 {
			n = 1
		}
		return int64(n)
	}
	return &Limiter{sems: map[llm.Family]*semaphore.Weighted{
		llm.FamilyPlanner: semaphore.NewWeighted(cap("LLM_CONCURRENCY_PLANNER")),
		llm.FamilyScene:   semaphore.NewWeighted(cap("LLM_CONCURRENCY_SCENE")),
		llm.FamilyHelper:  semaphore.NewWeighted(cap("LLM_CONCURRENCY_HELPER")),
	}}
}

func (l *Limiter) Acquire(ctx context.Context, family llm.Family) error {
	if l == nil {
		return nil
	}
	sem, ok := l.sems[family]
	if !ok {
		return nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return apierr.E(apierr.KindCancelled, "", err)
	}
	return nil
}

func (l *Limiter) Release(family llm.Family) {
	if l == nil {
		return
	}
	if sem, ok := l.sems[family]; ok {
		sem.Release(1)
	}
}
