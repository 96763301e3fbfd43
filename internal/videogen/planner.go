package videogen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/vidforge-backend/internal/clients/llm"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

const plannerSystemPrompt = `You are a video planner for short educational animations.
Given a topic, produce an ordered scene outline. Each scene needs a short title
and 2-6 beats describing what happens on screen. Scenes build on each other;
the last scene summarizes. Respond with JSON only.`

// plannerExemplars is appended to the system prompt when the job opts into
// context learning.
const plannerExemplars = `Example outlines:

Topic: The Pythagorean theorem
{"scenes":[
  {"index":1,"title":"A Right Triangle","beats":["draw a right triangle","label the legs a and b","label the hypotenuse c"]},
  {"index":2,"title":"Squares on Each Side","beats":["attach a square to each side","shade the two smaller squares","shade the large square"]},
  {"index":3,"title":"Rearranging Area","beats":["slide the small squares into the large one","show the areas match","write a^2 + b^2 = c^2"]}
]}

Topic: Binary search
{"scenes":[
  {"index":1,"title":"A Sorted Shelf","beats":["show a sorted row of numbered boxes","pose the search question"]},
  {"index":2,"title":"Halving the Range","beats":["highlight the middle box","discard the wrong half","repeat on the remainder"]},
  {"index":3,"title":"Why It Is Fast","beats":["count the halvings","contrast with checking every box","state the log2 bound"]}
]}`

// Planner turns a job configuration into a SceneOutline. One repair round is
// attempted when the model returns a non-conforming structure; a second
// failure is a validation error and the job fails.
type Planner struct {
	log       *logger.Logger
	llm       llm.Client
	breakers  *breaker.Registry
	limiter   *Limiter
	maxScenes int
}

func NewPlanner(log *logger.Logger, client llm.Client, breakers *breaker.Registry, limiter *Limiter) *Planner {
	return &Planner{
		log:       log.With("service", "Planner"),
		llm:       client,
		breakers:  breakers,
		limiter:   limiter,
		maxScenes: envutil.Int("MAX_SCENES", 20),
	}
}

var outlineSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"scenes"},
	"properties": map[string]any{
		"scenes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"index", "title", "beats"},
				"properties": map[string]any{
					"index": map[string]any{"type": "integer"},
					"title": map[string]any{"type": "string"},
					"beats": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
		},
	},
}

func (p *Planner) Plan(ctx context.Context, cfg domain.VideoConfig) (*SceneOutline, error) {
	model := llm.WithOverrides(p.llm, cfg.ModelPlanner, cfg.ModelScene, cfg.ModelHelper)
	system := p.systemPrompt(cfg)
	user := p.userPrompt(cfg)

	outline, verr, err := p.attempt(ctx, model, system, user)
	if err != nil {
		return nil, err
	}
	if verr == nil {
		return outline, nil
	}

	p.log.Warn("Outline rejected, attempting repair", "error", verr.Error())
	repairPrompt := fmt.Sprintf("%s\n\nYour previous outline was rejected: %s\nProduce a corrected outline.", user, verr.Error())
	outline, verr, err = p.attempt(ctx, model, system, repairPrompt)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return nil, apierr.E(apierr.KindValidation, domain.StagePlanning, fmt.Errorf("outline failed validation after repair: %w", verr))
	}
	return outline, nil
}

// attempt returns (outline, validationErr, callErr). Call errors carry the
// model classification; validation errors are candidates for the repair round.
func (p *Planner) attempt(ctx context.Context, model llm.Client, system, user string) (*SceneOutline, error, error) {
	if err := p.limiter.Acquire(ctx, llm.FamilyPlanner); err != nil {
		return nil, nil, err
	}
	defer p.limiter.Release(llm.FamilyPlanner)

	var raw map[string]any
	b := p.breakers.Get("llm_planner", breaker.Config{})
	err := b.Do(ctx, func(cctx context.Context) error {
		var gerr error
		raw, gerr = model.GenerateJSON(cctx, llm.FamilyPlanner, system, user, "scene_outline", outlineSchema)
		return gerr
	})
	if err != nil {
		return nil, nil, err
	}

	outline, verr := decodeOutline(raw, p.maxScenes)
	return outline, verr, nil
}

// systemPrompt appends few-shot exemplars when the job enables context
// learning.
func (p *Planner) systemPrompt(cfg domain.VideoConfig) string {
	if cfg.UseContextLearning {
		return plannerSystemPrompt + "\n\n" + plannerExemplars
	}
	return plannerSystemPrompt
}

func (p *Planner) userPrompt(cfg domain.VideoConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", cfg.Topic)
	if extra := cfg.Instructions(); extra != "" {
		fmt.Fprintf(&sb, "Additional context:\n%s\n", extra)
	}
	fmt.Fprintf(&sb, "Target quality: %s. Use between 1 and %d scenes.", cfg.Quality, p.maxScenes)
	return sb.String()
}

func decodeOutline(raw map[string]any, maxScenes int) (*SceneOutline, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var outline SceneOutline
	if err := json.Unmarshal(buf, &outline); err != nil {
		return nil, fmt.Errorf("outline does not match schema: %w", err)
	}
	if err := validateOutline(&outline, maxScenes); err != nil {
		return nil, err
	}
	return &outline, nil
}

func validateOutline(o *SceneOutline, maxScenes int) error {
	n := len(o.Scenes)
	if n < 1 {
		return fmt.Errorf("outline has no scenes")
	}
	if n > maxScenes {
		return fmt.Errorf("outline has %d scenes, limit is %d", n, maxScenes)
	}
	for i := range o.Scenes {
		s := &o.Scenes[i]
		// Indexes are normalized to position; models occasionally zero-base
		// or skip numbers.
		s.Index = i + 1
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			return fmt.Errorf("scene %d has an empty title", s.Index)
		}
		if len(s.Beats) == 0 {
			return fmt.Errorf("scene %d (%s) has no beats", s.Index, s.Title)
		}
		for j, b := range s.Beats {
			if strings.TrimSpace(b) == "" {
				return fmt.Errorf("scene %d beat %d is empty", s.Index, j+1)
			}
		}
	}
	return nil
}
