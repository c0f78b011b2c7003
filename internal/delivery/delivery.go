// Package delivery hands rendered reports to the place people read them.
package delivery

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

// Message is a rendered report ready for delivery.
type Message struct {
	Title string
	Text  string
}

// Sink delivers a message.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// TimeoutError reports a delivery that ran out of time.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("delivery timed out after %s", e.Timeout)
}

// ProviderError reports a non-2xx reply from the delivery endpoint.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the endpoint status code for retry classification.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// WebhookSink posts messages to a chat incoming-webhook URL.
type WebhookSink struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewWebhookSink builds a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration, client *http.Client, logger *zap.SugaredLogger) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebhookSink{url: url, timeout: timeout, client: client, logger: logger}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := msg.Text
	if msg.Title != "" {
		text = "*" + msg.Title + "*\n" + text
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Timeout: s.timeout}
		}
		return fmt.Errorf("deliver report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	s.logger.Infow("report delivered", "title", msg.Title, "bytes", len(text))
	return nil
}

// LogSink writes messages to the logger. It backs local runs without a chat
// integration.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink builds a sink over logger.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, msg Message) error {
	s.logger.Infow("report", "title", msg.Title, "text", msg.Text)
	return nil
}
