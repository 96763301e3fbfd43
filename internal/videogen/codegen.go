package videogen

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/vidforge-backend/internal/clients/llm"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/rag"
)

const codegenSystemPrompt = `You write manim community edition programs.
Given an implementation plan for one scene, produce a complete Python program:
a single Scene subclass whose construct method realizes the shot list.
Output raw Python source only, no markdown, no commentary.`

const repairSystemPrompt = `You fix broken manim programs. You receive a program
and the validation error it failed with. Return the corrected program as raw
Python source only, no markdown, no commentary.`

// CodeGenerator turns implementation plans into per-scene animation programs.
// Each program must pass ValidateProgram; a failing program gets one repair
// round through the helper model before the scene is marked failed.
type CodeGenerator struct {
	log      *logger.Logger
	llm      llm.Client
	rag      rag.Client
	breakers *breaker.Registry
	limiter  *Limiter
}

func NewCodeGenerator(log *logger.Logger, client llm.Client, ragClient rag.Client, breakers *breaker.Registry, limiter *Limiter) *CodeGenerator {
	return &CodeGenerator{
		log:      log.With("service", "CodeGenerator"),
		llm:      client,
		rag:      ragClient,
		breakers: breakers,
		limiter:  limiter,
	}
}

func (g *CodeGenerator) Generate(ctx context.Context, cfg domain.VideoConfig, plans []ImplementationPlan, onScene func(done, total int)) ([]SceneProgram, error) {
	if len(plans) == 0 {
		return nil, apierr.Ef(apierr.KindInternal, domain.StageCodeGeneration, "no implementation plans")
	}
	model := llm.WithOverrides(g.llm, cfg.ModelPlanner, cfg.ModelScene, cfg.ModelHelper)

	total := len(plans)
	programs := make([]SceneProgram, total)
	var done int32

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.MaxSceneConcurrency)

	for i := range plans {
		plan := plans[i]
		slot := i
		eg.Go(func() error {
			prog, err := g.generateScene(gctx, model, cfg, plan)
			if err != nil {
				return err
			}
			programs[slot] = *prog
			if onScene != nil {
				onScene(int(atomic.AddInt32(&done, 1)), total)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return programs, nil
}

func (g *CodeGenerator) generateScene(ctx context.Context, model llm.Client, cfg domain.VideoConfig, plan ImplementationPlan) (*SceneProgram, error) {
	user := g.scenePrompt(ctx, cfg, plan)

	src, err := g.callText(ctx, model, llm.FamilyScene, "llm_scene", codegenSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	src = stripFences(src)

	verr := ValidateProgram(src)
	if verr == nil {
		return &SceneProgram{SceneIndex: plan.SceneIndex, Title: plan.Title, Source: src}, nil
	}

	g.log.Warn("Scene program rejected, attempting repair",
		"scene_index", plan.SceneIndex, "error", verr.Error())

	repairUser := fmt.Sprintf("Validation error: %s\n\nProgram:\n%s", verr.Error(), src)
	fixed, err := g.callText(ctx, model, llm.FamilyHelper, "llm_helper", repairSystemPrompt, repairUser)
	if err != nil {
		return nil, err
	}
	fixed = stripFences(fixed)

	if verr = ValidateProgram(fixed); verr != nil {
		return nil, apierr.E(apierr.KindValidation, domain.StageCodeGeneration,
			fmt.Errorf("scene %d program failed validation after repair: %w", plan.SceneIndex, verr))
	}
	return &SceneProgram{SceneIndex: plan.SceneIndex, Title: plan.Title, Source: fixed, Repaired: true}, nil
}

func (g *CodeGenerator) callText(ctx context.Context, model llm.Client, family llm.Family, breakerName, system, user string) (string, error) {
	if err := g.limiter.Acquire(ctx, family); err != nil {
		return "", err
	}
	defer g.limiter.Release(family)

	var out string
	br := g.breakers.Get(breakerName, breaker.Config{})
	err := br.Do(ctx, func(cctx context.Context) error {
		var gerr error
		out, gerr = model.GenerateText(cctx, family, system, user)
		return gerr
	})
	return out, err
}

func (g *CodeGenerator) scenePrompt(ctx context.Context, cfg domain.VideoConfig, plan ImplementationPlan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Scene %d: %s\n", plan.SceneIndex, plan.Title)
	sb.WriteString("Shots:\n")
	for _, shot := range plan.Shots {
		fmt.Fprintf(&sb, "- %s\n", shot)
	}
	if len(plan.Assets) > 0 {
		fmt.Fprintf(&sb, "Assets: %s\n", strings.Join(plan.Assets, ", "))
	}
	fmt.Fprintf(&sb, "Narration: %s\n", plan.Narration)

	if cfg.UseRAG && g.rag != nil {
		// Retrieval is best effort; a failed lookup degrades to an
		// unaugmented prompt.
		query := plan.Title + " " + strings.Join(plan.Shots, " ")
		snippets, err := g.rag.Query(ctx, query, 5)
		if err != nil {
			g.log.Warn("Knowledge retrieval failed", "scene_index", plan.SceneIndex, "error", err)
		} else if len(snippets) > 0 {
			sb.WriteString("\nReference material:\n")
			for _, s := range snippets {
				fmt.Fprintf(&sb, "---\n%s\n", s.Text)
			}
		}
	}
	return sb.String()
}

// stripFences tolerates a model wrapping output in a markdown code block
// despite instructions.
func stripFences(src string) string {
	s := strings.TrimSpace(src)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```python")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
