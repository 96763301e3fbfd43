package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yungbote/vidforge-backend/internal/pkg/httpx"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Family selects which configured model serves a request. The planner family
// handles outline work, scene generates per-scene code, helper does small
// repair passes.
type Family string

const (
	FamilyPlanner Family = "planner"
	FamilyScene   Family = "scene"
	FamilyHelper  Family = "helper"
)

// Client is the model gateway used by the generation pipeline.
type Client interface {
	// GenerateJSON asks for a structured response conforming to schema.
	GenerateJSON(ctx context.Context, family Family, system, user, schemaName string, schema map[string]any) (map[string]any, error)

	// GenerateText asks for a plain-text response.
	GenerateText(ctx context.Context, family Family, system, user string) (string, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	models     map[Family]string
	httpClient *http.Client
	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}
	baseURL := strings.TrimRight(envutil.Str("LLM_BASE_URL", "https://api.openai.com"), "/")

	models := map[Family]string{
		FamilyPlanner: envutil.Str("LLM_MODEL_PLANNER", "gpt-5.2"),
		FamilyScene:   envutil.Str("LLM_MODEL_SCENE", "gpt-5.2"),
		FamilyHelper:  envutil.Str("LLM_MODEL_HELPER", "gpt-5-mini"),
	}

	return &client{
		log:        log.With("service", "LLMClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		models:     models,
		httpClient: &http.Client{Timeout: envutil.DurationSec("LLM_TIMEOUT_SECONDS", 180*time.Second)},
		maxRetries: envutil.Int("LLM_MAX_RETRIES", 3),
	}, nil
}

// WithOverrides returns a copy of c using the given model names where
// non-empty. Job configuration may pin models per family.
func WithOverrides(c Client, planner, scene, helper string) Client {
	base, ok := c.(*client)
	if !ok {
		return c
	}
	models := map[Family]string{
		FamilyPlanner: base.models[FamilyPlanner],
		FamilyScene:   base.models[FamilyScene],
		FamilyHelper:  base.models[FamilyHelper],
	}
	if strings.TrimSpace(planner) != "" {
		models[FamilyPlanner] = planner
	}
	if strings.TrimSpace(scene) != "" {
		models[FamilyScene] = scene
	}
	if strings.TrimSpace(helper) != "" {
		models[FamilyHelper] = helper
	}
	clone := *base
	clone.models = models
	return &clone
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return classify(ctx.Err())
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return apierr.E(apierr.KindDependencyError, "", fmt.Errorf("llm decode error: %w", uErr))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return classify(err)
		}
		if attempt == c.maxRetries {
			return classify(err)
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("LLM request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// classify maps transport and HTTP failures onto the error kinds the
// pipeline's retry policy understands.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return apierr.E(apierr.KindCancelled, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.E(apierr.KindTimeout, "", err)
	}
	var he *httpError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return apierr.E(apierr.KindRateLimited, "", err)
		case he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusGatewayTimeout:
			return apierr.E(apierr.KindTimeout, "", err)
		case he.StatusCode == http.StatusServiceUnavailable:
			return apierr.E(apierr.KindDependencyUnavailable, "", err)
		case he.StatusCode >= 500:
			return apierr.E(apierr.KindDependencyError, "", err)
		case he.StatusCode >= 400:
			return apierr.E(apierr.KindDependencyError, "", err)
		}
	}
	return apierr.E(apierr.KindDependencyUnavailable, "", err)
}

func (c *client) model(family Family) string {
	if m, ok := c.models[family]; ok && m != "" {
		return m
	}
	return c.models[FamilyPlanner]
}

type responsesRequest struct {
	Model string `json:"model"`

	Input []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"input"`

	Text struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func (c *client) GenerateJSON(ctx context.Context, family Family, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, apierr.Ef(apierr.KindInternal, "", "schemaName required")
	}
	if schema == nil {
		return nil, apierr.Ef(apierr.KindInternal, "", "schema required")
	}

	req := responsesRequest{
		Model: c.model(family),
		Input: []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}

	var resp responsesResponse
	if err := c.do(ctx, "/v1/responses", req, &resp); err != nil {
		return nil, err
	}
	if resp.Refusal != "" {
		return nil, apierr.Ef(apierr.KindDependencyError, "", "model refused: %s", resp.Refusal)
	}

	jsonText := extractOutputText(resp)
	if strings.TrimSpace(jsonText) == "" {
		return nil, apierr.Ef(apierr.KindDependencyError, "", "no output_text in response")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		return nil, apierr.E(apierr.KindDependencyError, "", fmt.Errorf("parse model JSON: %w", err))
	}
	return obj, nil
}

func (c *client) GenerateText(ctx context.Context, family Family, system, user string) (string, error) {
	req := responsesRequest{
		Model: c.model(family),
		Input: []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}

	var resp responsesResponse
	if err := c.do(ctx, "/v1/responses", req, &resp); err != nil {
		return "", err
	}
	if resp.Refusal != "" {
		return "", apierr.Ef(apierr.KindDependencyError, "", "model refused: %s", resp.Refusal)
	}

	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return "", apierr.Ef(apierr.KindDependencyError, "", "no output_text in response")
	}
	return text, nil
}
