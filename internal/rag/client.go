package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Snippet is one retrieved reference passage.
type Snippet struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Client queries the knowledge index for reference material used to augment
// code generation prompts. Retrieval is best effort; callers treat failures
// as an empty result.
type Client interface {
	Query(ctx context.Context, text string, topK int) ([]Snippet, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	index      string
	httpClient *http.Client
}

// NewClient returns nil without error when RAG_BASE_URL is unset; the
// pipeline then skips retrieval.
func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("RAG_BASE_URL")), "/")
	if baseURL == "" {
		return nil, nil
	}
	return &client{
		log:        log.With("service", "RAGClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("RAG_API_KEY")),
		index:      envutil.Str("RAG_INDEX", "manim-docs"),
		httpClient: &http.Client{Timeout: envutil.DurationSec("RAG_TIMEOUT_SECONDS", 15*time.Second)},
	}, nil
}

type queryRequest struct {
	Index string `json:"index"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponse struct {
	Results []Snippet `json:"results"`
}

func (c *client) Query(ctx context.Context, text string, topK int) ([]Snippet, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(queryRequest{Index: c.index, Query: text, TopK: topK}); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/query", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rag query %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rag response: %w", err)
	}
	return out.Results, nil
}
