package render

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestLoadProfilesDefaults(t *testing.T) {
	t.Setenv("RENDER_PROFILES_PATH", "")
	profiles, err := LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	for _, q := range []string{domain.QualityLow, domain.QualityMedium, domain.QualityHigh, domain.QualityUltra} {
		p, ok := profiles[q]
		if !ok {
			t.Fatalf("missing profile %q", q)
		}
		if p.Width <= 0 || p.FPS <= 0 {
			t.Fatalf("profile %q not populated: %+v", q, p)
		}
	}
	if profiles[domain.QualityHigh].Width <= profiles[domain.QualityLow].Width {
		t.Fatal("high profile must exceed low profile resolution")
	}
}

func TestLoadProfilesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	yaml := "medium:\n  width: 960\n  height: 540\n  fps: 24\n  bitrate: 2M\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("RENDER_PROFILES_PATH", path)

	profiles, err := LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if profiles[domain.QualityMedium].Width != 960 || profiles[domain.QualityMedium].FPS != 24 {
		t.Fatalf("overlay not applied: %+v", profiles[domain.QualityMedium])
	}
	// Untouched entries keep defaults.
	if profiles[domain.QualityHigh].Width != 1920 {
		t.Fatalf("high profile changed: %+v", profiles[domain.QualityHigh])
	}
}

func TestLoadProfilesRejectsBadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte("medium:\n  width: 0\n  height: 540\n  fps: 24\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("RENDER_PROFILES_PATH", path)
	if _, err := LoadProfiles(); err == nil {
		t.Fatal("zero width must be rejected")
	}
}

func TestSceneCues(t *testing.T) {
	durations := []time.Duration{10 * time.Second, 5 * time.Second, 8 * time.Second}
	narrations := []string{"first", "", "third"}

	cues := SceneCues(durations, narrations)
	if len(cues) != 2 {
		t.Fatalf("cues = %d, want 2 (empty narration skipped)", len(cues))
	}
	if cues[0].Start != 0 || cues[0].End != 10*time.Second {
		t.Fatalf("cue 0 window: %v..%v", cues[0].Start, cues[0].End)
	}
	// Third scene starts after the first two even though the second has no cue.
	if cues[1].Start != 15*time.Second || cues[1].End != 23*time.Second {
		t.Fatalf("cue 1 window: %v..%v", cues[1].Start, cues[1].End)
	}
}

func TestFormatSRT(t *testing.T) {
	cues := []Cue{
		{Start: 0, End: 2500 * time.Millisecond, Text: "Hello"},
		{Start: time.Hour + 2*time.Minute + 3*time.Second, End: time.Hour + 2*time.Minute + 5*time.Second, Text: "Later"},
	}
	got := FormatSRT(cues)
	if !strings.Contains(got, "1\n00:00:00,000 --> 00:00:02,500\nHello") {
		t.Fatalf("first cue malformed:\n%s", got)
	}
	if !strings.Contains(got, "2\n01:02:03,000 --> 01:02:05,000\nLater") {
		t.Fatalf("second cue malformed:\n%s", got)
	}
}

func TestWriteScaledKeepsAspect(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	for y := 0; y < 1080; y += 8 {
		for x := 0; x < 1920; x += 8 {
			src.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	out := filepath.Join(t.TempDir(), "small.jpg")
	if err := writeScaled(src, 320, out); err != nil {
		t.Fatalf("writeScaled: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 180 {
		t.Fatalf("scaled to %dx%d, want 320x180", cfg.Width, cfg.Height)
	}
}

func TestCoverRenderDeterministic(t *testing.T) {
	t.Setenv("COVER_FONT", "")
	cr := NewCoverRenderer(testLogger(t))

	a, err := cr.Render("Fourier Series")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := cr.Render("Fourier Series")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if a.Len() == 0 || a.Len() != b.Len() {
		t.Fatalf("cover not deterministic: %d vs %d bytes", a.Len(), b.Len())
	}
	// Different titles map to palette slots independently of case.
	if pickCoverColor("Fourier Series") != pickCoverColor("  fourier series  ") {
		t.Fatal("cover color must ignore case and surrounding space")
	}
}
