package videogen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/vidforge-backend/internal/clients/llm"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

const scenarioSystemPrompt = `You expand a scene outline entry into an implementation
plan for an animation renderer. Produce a shot list (one entry per visual action),
any assets the shots require, and narration text read over the scene.
Respond with JSON only.`

// ScenarioBuilder expands each outline entry into an ImplementationPlan.
// Scenes run in parallel up to the per-job concurrency cap; the first failure
// cancels the remaining scenes.
type ScenarioBuilder struct {
	log      *logger.Logger
	llm      llm.Client
	breakers *breaker.Registry
	limiter  *Limiter
}

func NewScenarioBuilder(log *logger.Logger, client llm.Client, breakers *breaker.Registry, limiter *Limiter) *ScenarioBuilder {
	return &ScenarioBuilder{
		log:      log.With("service", "ScenarioBuilder"),
		llm:      client,
		breakers: breakers,
		limiter:  limiter,
	}
}

var planSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"shots", "narration"},
	"properties": map[string]any{
		"shots":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"assets":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"narration": map[string]any{"type": "string"},
	},
}

// Build returns plans ordered by scene index. onScene, when non-nil, is called
// after each scene completes with the running count.
func (b *ScenarioBuilder) Build(ctx context.Context, cfg domain.VideoConfig, outline *SceneOutline, onScene func(done, total int)) ([]ImplementationPlan, error) {
	if outline == nil || len(outline.Scenes) == 0 {
		return nil, apierr.Ef(apierr.KindInternal, domain.StageScenarioCreation, "empty outline")
	}
	model := llm.WithOverrides(b.llm, cfg.ModelPlanner, cfg.ModelScene, cfg.ModelHelper)

	total := len(outline.Scenes)
	plans := make([]ImplementationPlan, total)
	var done int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxSceneConcurrency)

	for i := range outline.Scenes {
		scene := outline.Scenes[i]
		slot := i
		g.Go(func() error {
			plan, err := b.buildScene(gctx, model, cfg, scene)
			if err != nil {
				return err
			}
			plans[slot] = *plan
			if onScene != nil {
				onScene(int(atomic.AddInt32(&done, 1)), total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

func (b *ScenarioBuilder) buildScene(ctx context.Context, model llm.Client, cfg domain.VideoConfig, scene SceneDescriptor) (*ImplementationPlan, error) {
	if err := b.limiter.Acquire(ctx, llm.FamilyPlanner); err != nil {
		return nil, err
	}
	defer b.limiter.Release(llm.FamilyPlanner)

	user := scenarioPrompt(cfg, scene)

	var raw map[string]any
	br := b.breakers.Get("llm_planner", breaker.Config{})
	err := br.Do(ctx, func(cctx context.Context) error {
		var gerr error
		raw, gerr = model.GenerateJSON(cctx, llm.FamilyPlanner, scenarioSystemPrompt, user, "implementation_plan", planSchema)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	plan, err := decodePlan(raw, scene)
	if err != nil {
		return nil, apierr.E(apierr.KindValidation, domain.StageScenarioCreation,
			fmt.Errorf("scene %d: %w", scene.Index, err))
	}
	return plan, nil
}

func scenarioPrompt(cfg domain.VideoConfig, scene SceneDescriptor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", cfg.Topic)
	fmt.Fprintf(&sb, "Scene %d: %s\n", scene.Index, scene.Title)
	sb.WriteString("Beats:\n")
	for _, beat := range scene.Beats {
		fmt.Fprintf(&sb, "- %s\n", beat)
	}
	if cfg.EnableSubtitles {
		sb.WriteString("Narration will also be rendered as subtitles; keep sentences short.\n")
	}
	return sb.String()
}

func decodePlan(raw map[string]any, scene SceneDescriptor) (*ImplementationPlan, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var plan ImplementationPlan
	if err := json.Unmarshal(buf, &plan); err != nil {
		return nil, fmt.Errorf("plan does not match schema: %w", err)
	}
	plan.SceneIndex = scene.Index
	plan.Title = scene.Title
	if len(plan.Shots) == 0 {
		return nil, fmt.Errorf("plan has no shots")
	}
	if strings.TrimSpace(plan.Narration) == "" {
		return nil, fmt.Errorf("plan has no narration")
	}
	return &plan, nil
}
