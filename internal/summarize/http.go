package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 512

// HTTPConfig configures the HTTP summarization client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient talks to a summarization provider over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewHTTPClient builds a client for cfg. A nil httpClient uses a fresh one.
func NewHTTPClient(cfg HTTPConfig, httpClient *http.Client, logger *zap.SugaredLogger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("summarizer base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{baseURL: base, token: cfg.Token, timeout: timeout, client: httpClient, logger: logger}, nil
}

func (c *HTTPClient) TranslateCommit(ctx context.Context, req CommitRequest) (Translation, error) {
	var out Translation
	if err := c.post(ctx, "translate", req, &out); err != nil {
		return Translation{}, err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return Translation{}, fmt.Errorf("summarize translate: empty summary for %s", req.SHA)
	}
	return out, nil
}

func (c *HTTPClient) NameFeature(ctx context.Context, req FeatureRequest) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.post(ctx, "feature", req, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Name), nil
}

func (c *HTTPClient) Narrate(ctx context.Context, req NarrativeRequest) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "narrative", req, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *HTTPClient) ClassifyComment(ctx context.Context, req CommentRequest) (Classification, error) {
	var out Classification
	if err := c.post(ctx, "classify", req, &out); err != nil {
		return Classification{}, err
	}
	if !out.Action.Valid() {
		return Classification{}, fmt.Errorf("summarize classify: unknown action %q", out.Action)
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, op string, in, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("summarize %s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("summarize %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Op: op, Timeout: c.timeout}
		}
		return fmt.Errorf("summarize %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debugw("summarizer call", "op", op, "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Op: op, Timeout: c.timeout}
		}
		return fmt.Errorf("summarize %s: decode response: %w", op, err)
	}
	return nil
}
