package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// ThumbnailSizes maps size names to output widths. Height follows the source
// aspect ratio.
var ThumbnailSizes = map[string]int{
	"small":  320,
	"medium": 640,
	"large":  1280,
}

// framePositions are the sample points along the video, as fractions of the
// total duration. The middle frame seeds all three output sizes.
var framePositions = []float64{0.10, 0.50, 0.90}

// Thumbnailer extracts representative frames and rescales them into the
// small/medium/large variants.
type Thumbnailer struct {
	log    *logger.Logger
	ffmpeg string
}

func NewThumbnailer(log *logger.Logger) *Thumbnailer {
	return &Thumbnailer{
		log:    log.With("service", "Thumbnailer"),
		ffmpeg: envutil.Str("FFMPEG_BIN", "ffmpeg"),
	}
}

// Thumbnail is one generated variant.
type Thumbnail struct {
	Size string // small | medium | large
	Path string
}

// Generate extracts frames at 10/50/90% of duration into workDir, then writes
// the sized variants from the 50% frame. Returns one entry per size.
func (t *Thumbnailer) Generate(ctx context.Context, videoPath string, duration time.Duration, workDir string) ([]Thumbnail, error) {
	if duration <= 0 {
		return nil, apierr.Ef(apierr.KindInternal, "", "non-positive duration for thumbnails")
	}

	frames := make([]string, 0, len(framePositions))
	for i, pos := range framePositions {
		at := time.Duration(float64(duration) * pos)
		framePath := filepath.Join(workDir, fmt.Sprintf("frame_%d.jpg", i))
		if err := t.extractFrame(ctx, videoPath, at, framePath); err != nil {
			return nil, err
		}
		frames = append(frames, framePath)
	}

	src, err := loadImage(frames[1])
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, "", fmt.Errorf("decode frame: %w", err))
	}

	out := make([]Thumbnail, 0, len(ThumbnailSizes))
	for _, size := range []string{"small", "medium", "large"} {
		width := ThumbnailSizes[size]
		path := filepath.Join(workDir, size+".jpg")
		if err := writeScaled(src, width, path); err != nil {
			return nil, apierr.E(apierr.KindInternal, "", err)
		}
		out = append(out, Thumbnail{Size: size, Path: path})
	}
	return out, nil
}

func (t *Thumbnailer) extractFrame(ctx context.Context, videoPath string, at time.Duration, outPath string) error {
	cmd := exec.CommandContext(ctx, t.ffmpeg,
		"-y",
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return apierr.E(apierr.KindCancelled, "", ctx.Err())
		}
		return apierr.E(apierr.KindDependencyError, "",
			fmt.Errorf("ffmpeg frame extract at %s: %w: %s", at, err, tail(stderr.String(), 256)))
	}
	return nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func writeScaled(src image.Image, width int, outPath string) error {
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return fmt.Errorf("empty source frame")
	}
	height := b.Dy() * width / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, dst, &jpeg.Options{Quality: 85})
}
