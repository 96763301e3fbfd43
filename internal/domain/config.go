package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
	QualityUltra  = "ultra"
)

const (
	maxTopicLen   = 512
	maxContextLen = 8000
)

// VideoConfig is the full set of recognized job options. Unknown fields are
// rejected at the submission boundary; see DecodeVideoConfig.
type VideoConfig struct {
	Topic               string `json:"topic"`
	Context             string `json:"context,omitempty"`
	Description         string `json:"description,omitempty"`
	Quality             string `json:"quality,omitempty"`
	UseRAG              bool   `json:"use_rag,omitempty"`
	UseContextLearning  bool   `json:"use_context_learning,omitempty"`
	EnableSubtitles     bool   `json:"enable_subtitles,omitempty"`
	EnableThumbnails    *bool  `json:"enable_thumbnails,omitempty"`
	OutputFormat        string `json:"output_format,omitempty"`
	ModelPlanner        string `json:"model_planner,omitempty"`
	ModelScene          string `json:"model_scene,omitempty"`
	ModelHelper         string `json:"model_helper,omitempty"`
	MaxSceneConcurrency int    `json:"max_scene_concurrency,omitempty"`
}

// DecodeVideoConfig parses raw JSON strictly: unknown keys fail with an error
// naming the key, so clients learn about typos instead of silently losing
// options.
func DecodeVideoConfig(raw []byte) (VideoConfig, error) {
	var cfg VideoConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize applies defaults and validates enumerated fields.
func (c *VideoConfig) Normalize() error {
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(c.Topic) > maxTopicLen {
		return fmt.Errorf("topic exceeds %d chars", maxTopicLen)
	}
	if len(c.Context) > maxContextLen {
		return fmt.Errorf("context exceeds %d chars", maxContextLen)
	}
	if len(c.Description) > maxContextLen {
		return fmt.Errorf("description exceeds %d chars", maxContextLen)
	}

	if c.Quality == "" {
		c.Quality = QualityMedium
	}
	switch c.Quality {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
	default:
		return fmt.Errorf("unknown quality %q", c.Quality)
	}

	if c.OutputFormat == "" {
		c.OutputFormat = "mp4"
	}
	if c.OutputFormat != "mp4" {
		return fmt.Errorf("unsupported output_format %q", c.OutputFormat)
	}

	if c.EnableThumbnails == nil {
		t := true
		c.EnableThumbnails = &t
	}

	if c.MaxSceneConcurrency == 0 {
		c.MaxSceneConcurrency = 3
	}
	if c.MaxSceneConcurrency < 1 {
		return fmt.Errorf("max_scene_concurrency must be >= 1")
	}
	return nil
}

// Instructions merges the secondary instruction fields.
func (c VideoConfig) Instructions() string {
	parts := []string{}
	if s := strings.TrimSpace(c.Context); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(c.Description); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

func (c VideoConfig) ThumbnailsEnabled() bool {
	return c.EnableThumbnails == nil || *c.EnableThumbnails
}
