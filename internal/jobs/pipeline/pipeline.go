package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/vidforge-backend/internal/jobs/runtime"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/platform/retry"
	"github.com/yungbote/vidforge-backend/internal/render"
	"github.com/yungbote/vidforge-backend/internal/storage"
	"github.com/yungbote/vidforge-backend/internal/videogen"
)

// Handler is the video_generation job handler. It assembles the stage list
// and hands it to the orchestrator engine; each stage reads its inputs from
// the checkpoint state so a re-dispatched job resumes at stage granularity.
type Handler struct {
	log       *logger.Logger
	planner   *videogen.Planner
	scenarios *videogen.ScenarioBuilder
	codegen   *videogen.CodeGenerator
	renderer  *render.Renderer
	combiner  *render.Combiner
	thumbs    *render.Thumbnailer
	cover     *render.CoverRenderer
	store     storage.Manager
	profiles  map[string]render.Profile
	engine    *orchestrator.Engine

	workRoot string
}

func NewHandler(
	log *logger.Logger,
	planner *videogen.Planner,
	scenarios *videogen.ScenarioBuilder,
	codegen *videogen.CodeGenerator,
	renderer *render.Renderer,
	combiner *render.Combiner,
	thumbs *render.Thumbnailer,
	cover *render.CoverRenderer,
	store storage.Manager,
	profiles map[string]render.Profile,
	policy retry.Policy,
) *Handler {
	return &Handler{
		log:       log.With("component", "VideoPipeline"),
		planner:   planner,
		scenarios: scenarios,
		codegen:   codegen,
		renderer:  renderer,
		combiner:  combiner,
		thumbs:    thumbs,
		cover:     cover,
		store:     store,
		profiles:  profiles,
		engine:    orchestrator.NewEngine(policy),
		workRoot:  envutil.Str("WORK_DIR", "/var/lib/vidforge/work"),
	}
}

func (h *Handler) Kind() string { return jobrt.KindVideoGeneration }

func (h *Handler) Run(jc *jobrt.Context) error {
	return h.engine.Run(jc, h.stages(jc))
}

func stageTimeout(name string, def time.Duration) time.Duration {
	key := "STAGE_TIMEOUT_MS_" + strings.ToUpper(name)
	return envutil.DurationMS(key, def)
}

func (h *Handler) stages(jc *jobrt.Context) []orchestrator.Stage {
	fixed := func(name string, def time.Duration) func(*orchestrator.State) time.Duration {
		d := stageTimeout(name, def)
		return func(*orchestrator.State) time.Duration { return d }
	}
	return []orchestrator.Stage{
		{
			Name:    domain.StageInitializing,
			Timeout: fixed(domain.StageInitializing, 30*time.Second),
			Run:     h.runInitializing,
		},
		{
			Name:    domain.StagePlanning,
			Timeout: fixed(domain.StagePlanning, 180*time.Second),
			Run:     h.runPlanning,
		},
		{
			Name:    domain.StageScenarioCreation,
			Timeout: fixed(domain.StageScenarioCreation, 300*time.Second),
			Run:     h.runScenarioCreation,
		},
		{
			Name:    domain.StageCodeGeneration,
			Timeout: fixed(domain.StageCodeGeneration, 600*time.Second),
			Run:     h.runCodeGeneration,
		},
		{
			Name:    domain.StageRendering,
			Timeout: h.renderingTimeout,
			Run:     h.runRendering,
		},
		{
			Name:    domain.StageCombining,
			Timeout: fixed(domain.StageCombining, 300*time.Second),
			Run:     h.runCombining,
		},
		{
			Name:    domain.StageStorage,
			Timeout: fixed(domain.StageStorage, 600*time.Second),
			Run:     h.runStorage,
		},
	}
}

// renderingTimeout scales with the planned scene count.
func (h *Handler) renderingTimeout(st *orchestrator.State) time.Duration {
	var outline videogen.SceneOutline
	scenes := 1
	if ok, err := st.Get(domain.StagePlanning, &outline); err == nil && ok && len(outline.Scenes) > 0 {
		scenes = len(outline.Scenes)
	}
	return time.Duration(scenes) * h.renderer.TimeoutPerScene()
}

func (h *Handler) workDir(jc *jobrt.Context) string {
	return filepath.Join(h.workRoot, jc.Job.ID.String())
}

// span interpolates progress between the entry of stage and the entry of the
// following stage.
func span(stage string, done, total int) float64 {
	from := domain.StageEntryPct[stage]
	to := float64(100)
	for i, s := range domain.StageOrder {
		if s == stage && i+1 < len(domain.StageOrder) {
			to = domain.StageEntryPct[domain.StageOrder[i+1]]
		}
	}
	if total <= 0 {
		return from
	}
	return from + (to-from)*float64(done)/float64(total)
}

func (h *Handler) runInitializing(jc *jobrt.Context, _ *orchestrator.State) error {
	dir := h.workDir(jc)
	for _, sub := range []string{"code", "videos", "thumbs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return apierr.E(apierr.KindInternal, domain.StageInitializing, fmt.Errorf("create work dir: %w", err))
		}
	}
	if _, ok := h.profiles[jc.Config.Quality]; !ok {
		return apierr.Ef(apierr.KindValidation, domain.StageInitializing, "no render profile for quality %q", jc.Config.Quality)
	}
	return nil
}

func (h *Handler) runPlanning(jc *jobrt.Context, st *orchestrator.State) error {
	outline, err := h.planner.Plan(jc.Ctx, jc.Config)
	if err != nil {
		return err
	}
	jc.Progress(domain.StagePlanning, span(domain.StagePlanning, 1, 1),
		fmt.Sprintf("planned %d scenes", len(outline.Scenes)))
	return st.Put(domain.StagePlanning, outline)
}

func (h *Handler) runScenarioCreation(jc *jobrt.Context, st *orchestrator.State) error {
	var outline videogen.SceneOutline
	if err := require(st, domain.StagePlanning, &outline); err != nil {
		return err
	}

	plans, err := h.scenarios.Build(jc.Ctx, jc.Config, &outline, func(done, total int) {
		jc.Progress(domain.StageScenarioCreation, span(domain.StageScenarioCreation, done, total),
			fmt.Sprintf("scenario %d/%d", done, total))
	})
	if err != nil {
		return err
	}
	return st.Put(domain.StageScenarioCreation, plans)
}

func (h *Handler) runCodeGeneration(jc *jobrt.Context, st *orchestrator.State) error {
	var plans []videogen.ImplementationPlan
	if err := require(st, domain.StageScenarioCreation, &plans); err != nil {
		return err
	}

	programs, err := h.codegen.Generate(jc.Ctx, jc.Config, plans, func(done, total int) {
		jc.Progress(domain.StageCodeGeneration, span(domain.StageCodeGeneration, done, total),
			fmt.Sprintf("scene program %d/%d", done, total))
	})
	if err != nil {
		return err
	}
	return st.Put(domain.StageCodeGeneration, programs)
}

type renderedScene struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
}

func (h *Handler) runRendering(jc *jobrt.Context, st *orchestrator.State) error {
	var programs []videogen.SceneProgram
	if err := require(st, domain.StageCodeGeneration, &programs); err != nil {
		return err
	}
	profile := h.profiles[jc.Config.Quality]
	dir := h.workDir(jc)

	total := len(programs)
	results := make([]renderedScene, total)
	progressCh := make(chan int, total)

	eg, gctx := errgroup.WithContext(jc.Ctx)
	for i := range programs {
		prog := programs[i]
		slot := i
		eg.Go(func() error {
			programPath := filepath.Join(dir, "code", fmt.Sprintf("scene_%03d.py", prog.SceneIndex))
			if err := os.WriteFile(programPath, []byte(prog.Source), 0o644); err != nil {
				return apierr.E(apierr.KindInternal, domain.StageRendering, fmt.Errorf("write program: %w", err))
			}
			outputPath := filepath.Join(dir, "videos", fmt.Sprintf("scene_%03d.mp4", prog.SceneIndex))

			res, err := h.renderScene(gctx, programPath, outputPath, profile)
			if err != nil {
				return err
			}
			results[slot] = renderedScene{
				Index:      prog.SceneIndex,
				Path:       res.OutputPath,
				DurationMS: res.Duration.Milliseconds(),
			}
			progressCh <- 1
			return nil
		})
	}

	go func() {
		done := 0
		for range progressCh {
			done++
			jc.Progress(domain.StageRendering, span(domain.StageRendering, done, total),
				fmt.Sprintf("rendered %d/%d", done, total))
		}
	}()

	err := eg.Wait()
	close(progressCh)
	if err != nil {
		return err
	}
	return st.Put(domain.StageRendering, results)
}

// renderScene reuses an output surviving from a previous attempt when its
// duration still probes.
func (h *Handler) renderScene(ctx context.Context, programPath, outputPath string, profile render.Profile) (*render.SceneResult, error) {
	if _, err := os.Stat(outputPath); err == nil {
		if dur, perr := h.renderer.ProbeDuration(ctx, outputPath); perr == nil && dur > 0 {
			return &render.SceneResult{OutputPath: outputPath, Duration: dur}, nil
		}
		_ = os.Remove(outputPath)
	}
	return h.renderer.RenderScene(ctx, programPath, outputPath, profile)
}

type combinedVideo struct {
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
}

func (h *Handler) runCombining(jc *jobrt.Context, st *orchestrator.State) error {
	var scenes []renderedScene
	if err := require(st, domain.StageRendering, &scenes); err != nil {
		return err
	}

	paths := make([]string, len(scenes))
	durations := make([]time.Duration, len(scenes))
	var totalDur time.Duration
	for i, s := range scenes {
		paths[i] = s.Path
		durations[i] = time.Duration(s.DurationMS) * time.Millisecond
		totalDur += durations[i]
	}

	var cues []render.Cue
	if jc.Config.EnableSubtitles {
		var plans []videogen.ImplementationPlan
		if err := require(st, domain.StageScenarioCreation, &plans); err != nil {
			return err
		}
		narrations := make([]string, len(plans))
		for i, p := range plans {
			narrations[i] = p.Narration
		}
		cues = render.SceneCues(durations, narrations)
	}

	dir := h.workDir(jc)
	outputPath := filepath.Join(dir, "videos", "combined.mp4")
	if err := h.combiner.Combine(jc.Ctx, paths, cues, dir, outputPath); err != nil {
		return err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return apierr.E(apierr.KindInternal, domain.StageCombining, err)
	}
	jc.Progress(domain.StageCombining, span(domain.StageCombining, 1, 1), "combined")
	return st.Put(domain.StageCombining, combinedVideo{
		Path:       outputPath,
		DurationMS: totalDur.Milliseconds(),
		SizeBytes:  info.Size(),
	})
}

func (h *Handler) runStorage(jc *jobrt.Context, st *orchestrator.State) error {
	var programs []videogen.SceneProgram
	if err := require(st, domain.StageCodeGeneration, &programs); err != nil {
		return err
	}
	var scenes []renderedScene
	if err := require(st, domain.StageRendering, &scenes); err != nil {
		return err
	}
	var combined combinedVideo
	if err := require(st, domain.StageCombining, &combined); err != nil {
		return err
	}

	dbc := dbctx.Context{Ctx: jc.Ctx}
	userID := jc.Job.UserID
	jobID := jc.Job.ID
	total := len(programs) + len(scenes) + 1
	if jc.Config.ThumbnailsEnabled() {
		total += 4
	}
	done := 0
	step := func(msg string) {
		done++
		jc.Progress(domain.StageStorage, span(domain.StageStorage, done, total), msg)
	}

	for _, prog := range programs {
		idx := prog.SceneIndex
		_, err := h.store.Put(dbc, storage.PutRequest{
			OwnerUserID: userID,
			JobID:       jobID,
			Kind:        domain.FileKindSceneCode,
			SceneIndex:  &idx,
			LogicalName: fmt.Sprintf("scene_%03d.py", idx),
			Key:         storage.SceneCodeKey(userID, jobID, idx),
			ContentType: "text/x-python",
			SizeHint:    int64(len(prog.Source)),
			Body:        strings.NewReader(prog.Source),
		})
		if err != nil {
			return err
		}
		step(fmt.Sprintf("stored code for scene %d", idx))
	}

	for _, scene := range scenes {
		idx := scene.Index
		_, err := h.store.PutLocalFile(dbc, storage.PutRequest{
			OwnerUserID: userID,
			JobID:       jobID,
			Kind:        domain.FileKindSceneVideo,
			SceneIndex:  &idx,
			LogicalName: "output.mp4",
			Key:         storage.SceneVideoKey(userID, jobID, idx),
			ContentType: "video/mp4",
		}, scene.Path)
		if err != nil {
			return err
		}
		step(fmt.Sprintf("stored scene %d video", idx))
	}

	if _, err := h.store.PutLocalFile(dbc, storage.PutRequest{
		OwnerUserID: userID,
		JobID:       jobID,
		Kind:        domain.FileKindCombinedVideo,
		LogicalName: "combined.mp4",
		Key:         storage.CombinedVideoKey(userID, jobID),
		ContentType: "video/mp4",
	}, combined.Path); err != nil {
		return err
	}
	step("stored combined video")

	if jc.Config.ThumbnailsEnabled() {
		if err := h.storeThumbnails(jc, combined, step); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) storeThumbnails(jc *jobrt.Context, combined combinedVideo, step func(string)) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	userID := jc.Job.UserID
	jobID := jc.Job.ID
	thumbDir := filepath.Join(h.workDir(jc), "thumbs")

	thumbs, err := h.thumbs.Generate(jc.Ctx, combined.Path,
		time.Duration(combined.DurationMS)*time.Millisecond, thumbDir)
	if err != nil {
		return err
	}
	for _, th := range thumbs {
		if _, err := h.store.PutLocalFile(dbc, storage.PutRequest{
			OwnerUserID: userID,
			JobID:       jobID,
			Kind:        domain.FileKindThumbnail,
			LogicalName: th.Size + ".jpg",
			Key:         storage.ThumbnailKey(userID, jobID, th.Size),
			ContentType: "image/jpeg",
		}, th.Path); err != nil {
			return err
		}
		step("stored " + th.Size + " thumbnail")
	}

	coverBuf, err := h.cover.Render(jc.Config.Topic)
	if err != nil {
		return apierr.E(apierr.KindInternal, domain.StageStorage, err)
	}
	if _, err := h.store.Put(dbc, storage.PutRequest{
		OwnerUserID: userID,
		JobID:       jobID,
		Kind:        domain.FileKindThumbnail,
		LogicalName: "cover.png",
		Key:         storage.CoverKey(userID, jobID),
		ContentType: "image/png",
		SizeHint:    int64(coverBuf.Len()),
		Body:        bytes.NewReader(coverBuf.Bytes()),
	}); err != nil {
		return err
	}
	step("stored cover")
	return nil
}

func require(st *orchestrator.State, stage string, out any) error {
	ok, err := st.Get(stage, out)
	if err != nil {
		return apierr.E(apierr.KindInternal, "", fmt.Errorf("checkpoint for %s: %w", stage, err))
	}
	if !ok {
		return apierr.Ef(apierr.KindInternal, "", "missing checkpoint output for %s", stage)
	}
	return nil
}
