package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Combiner concatenates scene videos in order into one file. Streams are
// copied, not re-encoded, so identical inputs produce identical output apart
// from muxer timestamps.
type Combiner struct {
	log    *logger.Logger
	ffmpeg string
	grace  time.Duration
}

func NewCombiner(log *logger.Logger) *Combiner {
	return &Combiner{
		log:    log.With("service", "Combiner"),
		ffmpeg: envutil.Str("FFMPEG_BIN", "ffmpeg"),
		grace:  envutil.DurationMS("CANCEL_GRACE_PERIOD_MS", 5*time.Second),
	}
}

// Cue is one subtitle entry on the combined timeline.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// SceneCues lays narration texts along the combined timeline, one cue per
// scene spanning that scene's window.
func SceneCues(durations []time.Duration, narrations []string) []Cue {
	var cues []Cue
	offset := time.Duration(0)
	for i, d := range durations {
		if i < len(narrations) && strings.TrimSpace(narrations[i]) != "" {
			cues = append(cues, Cue{Start: offset, End: offset + d, Text: narrations[i]})
		}
		offset += d
	}
	return cues
}

// Combine concatenates scenePaths into outputPath. When cues are given, an
// SRT track is built and muxed in.
func (c *Combiner) Combine(ctx context.Context, scenePaths []string, cues []Cue, workDir, outputPath string) error {
	if len(scenePaths) == 0 {
		return apierr.Ef(apierr.KindInternal, "", "no scene videos to combine")
	}

	listPath := filepath.Join(workDir, "concat.txt")
	var list strings.Builder
	for _, p := range scenePaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return apierr.E(apierr.KindInternal, "", err)
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return apierr.E(apierr.KindInternal, "", fmt.Errorf("write concat list: %w", err))
	}

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath}
	if len(cues) > 0 {
		srtPath := filepath.Join(workDir, "subtitles.srt")
		if err := os.WriteFile(srtPath, []byte(FormatSRT(cues)), 0o644); err != nil {
			return apierr.E(apierr.KindInternal, "", fmt.Errorf("write subtitles: %w", err))
		}
		args = append(args, "-i", srtPath, "-c", "copy", "-c:s", "mov_text")
	} else {
		args = append(args, "-c", "copy")
	}
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, c.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.grace

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return apierr.E(apierr.KindCancelled, "", ctx.Err())
		}
		return apierr.E(apierr.KindDependencyError, "",
			fmt.Errorf("ffmpeg concat: %w: %s", err, tail(stderr.String(), 512)))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return apierr.Ef(apierr.KindDependencyError, "", "combine produced no output at %s", outputPath)
	}
	return nil
}

// FormatSRT renders cues as SubRip text.
func FormatSRT(cues []Cue) string {
	var sb strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(cue.Start), srtTimestamp(cue.End), strings.TrimSpace(cue.Text))
	}
	return sb.String()
}

func srtTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
