package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Renderer runs the external animation renderer as a subprocess per scene.
// A process-wide semaphore caps concurrent subprocesses; a scene waits for a
// slot under the caller's context, so the stage timeout bounds the wait.
type Renderer struct {
	log      *logger.Logger
	breakers *breaker.Registry
	sem      *semaphore.Weighted

	bin             string
	ffprobeBin      string
	timeoutPerScene time.Duration
	grace           time.Duration
}

func NewRenderer(log *logger.Logger, breakers *breaker.Registry) *Renderer {
	slots := envutil.Int("MAX_CONCURRENT_RENDERS", 2)
	if slots < 1 {
		slots = 1
	}
	return &Renderer{
		log:             log.With("service", "Renderer"),
		breakers:        breakers,
		sem:             semaphore.NewWeighted(int64(slots)),
		bin:             envutil.Str("RENDERER_BIN", "manim"),
		ffprobeBin:      envutil.Str("FFPROBE_BIN", "ffprobe"),
		timeoutPerScene: envutil.DurationSec("RENDER_TIMEOUT_PER_SCENE", 600*time.Second),
		grace:           envutil.DurationMS("CANCEL_GRACE_PERIOD_MS", 5*time.Second),
	}
}

func (r *Renderer) TimeoutPerScene() time.Duration { return r.timeoutPerScene }

// SceneResult is the outcome of one render subprocess.
type SceneResult struct {
	OutputPath string
	Duration   time.Duration
}

// RenderScene renders programPath into outputPath under the given profile.
// The subprocess wall clock is bounded by RENDER_TIMEOUT_PER_SCENE; on
// cancellation the process gets the grace period before a kill.
func (r *Renderer) RenderScene(ctx context.Context, programPath, outputPath string, profile Profile) (*SceneResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apierr.E(apierr.KindTimeout, "", fmt.Errorf("waiting for render slot: %w", err))
		}
		return nil, apierr.E(apierr.KindCancelled, "", err)
	}
	defer r.sem.Release(1)

	var result *SceneResult
	cfg := breaker.Config{CallTimeout: r.timeoutPerScene + r.grace}
	err := r.breakers.Get("renderer", cfg).Do(ctx, func(cctx context.Context) error {
		var rerr error
		result, rerr = r.renderOnce(cctx, programPath, outputPath, profile)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Renderer) renderOnce(ctx context.Context, programPath, outputPath string, profile Profile) (*SceneResult, error) {
	rctx, cancel := context.WithTimeout(ctx, r.timeoutPerScene)
	defer cancel()

	args := []string{
		"render", programPath,
		"-o", outputPath,
		"-r", fmt.Sprintf("%d,%d", profile.Width, profile.Height),
		"--fps", strconv.Itoa(profile.FPS),
		"--format", "mp4",
	}
	cmd := exec.CommandContext(rctx, r.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.grace

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.E(apierr.KindCancelled, "", ctx.Err())
		}
		if rctx.Err() == context.DeadlineExceeded {
			return nil, apierr.Ef(apierr.KindTimeout, "", "render exceeded %s", r.timeoutPerScene)
		}
		return nil, apierr.E(apierr.KindDependencyError, "",
			fmt.Errorf("renderer exited: %w: %s", err, tail(stderr.String(), 512)))
	}

	if _, serr := os.Stat(outputPath); serr != nil {
		return nil, apierr.E(apierr.KindDependencyError,
			"", fmt.Errorf("renderer produced no output at %s", outputPath))
	}

	dur, derr := r.ProbeDuration(ctx, outputPath)
	if derr != nil {
		r.log.Warn("Duration probe failed, using wall clock", "path", outputPath, "error", derr)
		dur = elapsed
	}
	return &SceneResult{OutputPath: outputPath, Duration: dur}, nil
}

// ProbeDuration reads the container duration via ffprobe.
func (r *Renderer) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, r.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
