package render

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

const (
	coverWidth  = 1280
	coverHeight = 720
)

var coverPalette = []color.NRGBA{
	{R: 0x1E, G: 0x29, B: 0x3B, A: 0xFF},
	{R: 0x2D, G: 0x1B, B: 0x3D, A: 0xFF},
	{R: 0x1B, G: 0x3A, B: 0x2F, A: 0xFF},
	{R: 0x3B, G: 0x24, B: 0x1E, A: 0xFF},
	{R: 0x23, G: 0x2B, B: 0x4A, A: 0xFF},
}

// CoverRenderer draws the deterministic title card stored alongside the
// thumbnails. The background color is derived from the title so regenerating
// a job yields the same card. Text is skipped when COVER_FONT is unset.
type CoverRenderer struct {
	log       *logger.Logger
	titleFace font.Face
	subFace   font.Face
}

func NewCoverRenderer(log *logger.Logger) *CoverRenderer {
	cr := &CoverRenderer{log: log.With("service", "CoverRenderer")}

	fontPath := strings.TrimSpace(os.Getenv("COVER_FONT"))
	if fontPath == "" {
		cr.log.Warn("COVER_FONT unset, covers will have no text")
		return cr
	}
	titleFace, err := loadCoverFace(fontPath, 72)
	if err != nil {
		cr.log.Warn("Could not load cover font, covers will have no text", "font", fontPath, "error", err)
		return cr
	}
	subFace, _ := loadCoverFace(fontPath, 32)
	cr.titleFace = titleFace
	cr.subFace = subFace
	return cr
}

// Render produces the PNG cover for a title.
func (cr *CoverRenderer) Render(title string) (*bytes.Buffer, error) {
	dc := gg.NewContext(coverWidth, coverHeight)

	base := pickCoverColor(title)
	dc.SetColor(base)
	dc.DrawRectangle(0, 0, coverWidth, coverHeight)
	dc.Fill()

	// Accent band along the bottom.
	accent := base
	accent.R = clamp8(int(accent.R) + 60)
	accent.G = clamp8(int(accent.G) + 40)
	accent.B = clamp8(int(accent.B) + 80)
	dc.SetColor(accent)
	dc.DrawRectangle(0, coverHeight-24, coverWidth, 24)
	dc.Fill()

	if cr.titleFace != nil {
		dc.SetFontFace(cr.titleFace)
		dc.SetColor(color.White)
		dc.DrawStringWrapped(strings.TrimSpace(title),
			coverWidth/2, coverHeight/2, 0.5, 0.5, coverWidth-160, 1.3, gg.AlignCenter)
	}
	if cr.subFace != nil {
		dc.SetFontFace(cr.subFace)
		dc.SetColor(color.NRGBA{R: 0xD0, G: 0xD4, B: 0xDC, A: 0xFF})
		dc.DrawStringAnchored("vidforge", coverWidth/2, coverHeight-64, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode cover png: %w", err)
	}
	return &buf, nil
}

func pickCoverColor(title string) color.NRGBA {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(title))))
	return coverPalette[int(h.Sum32())%len(coverPalette)]
}

func clamp8(v int) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func loadCoverFace(path string, size float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(parsed, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingNone}), nil
}
