package render

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/vidforge-backend/internal/domain"
)

// Profile is one render quality preset.
type Profile struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	Bitrate string `yaml:"bitrate"`
}

func defaultProfiles() map[string]Profile {
	return map[string]Profile{
		domain.QualityLow:    {Width: 854, Height: 480, FPS: 15, Bitrate: "1M"},
		domain.QualityMedium: {Width: 1280, Height: 720, FPS: 30, Bitrate: "2.5M"},
		domain.QualityHigh:   {Width: 1920, Height: 1080, FPS: 60, Bitrate: "5M"},
		domain.QualityUltra:  {Width: 3840, Height: 2160, FPS: 60, Bitrate: "12M"},
	}
}

// LoadProfiles returns the quality presets, with entries from the YAML file at
// RENDER_PROFILES_PATH overlaid on the compiled-in defaults when set.
func LoadProfiles() (map[string]Profile, error) {
	profiles := defaultProfiles()

	path := strings.TrimSpace(os.Getenv("RENDER_PROFILES_PATH"))
	if path == "" {
		return profiles, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read render profiles: %w", err)
	}
	var overrides map[string]Profile
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse render profiles: %w", err)
	}
	for name, p := range overrides {
		if err := validateProfile(name, p); err != nil {
			return nil, err
		}
		profiles[name] = p
	}
	return profiles, nil
}

func validateProfile(name string, p Profile) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile %q: width and height must be positive", name)
	}
	if p.FPS <= 0 {
		return fmt.Errorf("profile %q: fps must be positive", name)
	}
	return nil
}
