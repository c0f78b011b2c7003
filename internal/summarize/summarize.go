// Package summarize is the contract with the service that turns raw commit
// messages and pull request activity into readable prose.
package summarize

import (
	"context"
	"fmt"
	"time"
)

// CommentAction is the verdict of a comment classification.
type CommentAction string

const (
	ActionAddBlocker     CommentAction = "add_blocker"
	ActionResolveBlocker CommentAction = "resolve_blocker"
	ActionNone           CommentAction = "none"
)

// Valid reports whether a is a known action.
func (a CommentAction) Valid() bool {
	switch a {
	case ActionAddBlocker, ActionResolveBlocker, ActionNone:
		return true
	}
	return false
}

// CommitRequest asks for a translation of one commit.
type CommitRequest struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha"`
	Author  string `json:"author"`
	Message string `json:"message"`
}

// Translation is the readable form of a commit.
type Translation struct {
	Summary      string `json:"summary"`
	Category     string `json:"category"`
	Significance string `json:"significance"`
}

// FeatureRequest asks for a short feature name for a pull request.
type FeatureRequest struct {
	Repo      string   `json:"repo"`
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Summaries []string `json:"summaries"`
}

// NarrativeRequest asks for the prose of a weekly report.
type NarrativeRequest struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Status   string    `json:"status"`
	Merged   []string  `json:"merged"`
	Open     []string  `json:"open"`
	Blockers []string  `json:"blockers"`
}

// CommentRequest asks whether a pull request comment raises or clears a blocker.
type CommentRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"prNumber"`
	PRTitle  string `json:"prTitle"`
	Author   string `json:"author"`
	Body     string `json:"body"`
}

// Classification is the result of a comment analysis.
type Classification struct {
	Action CommentAction `json:"action"`
	Reason string        `json:"reason,omitempty"`
}

// Service produces readable text for reports.
type Service interface {
	TranslateCommit(ctx context.Context, req CommitRequest) (Translation, error)
	NameFeature(ctx context.Context, req FeatureRequest) (string, error)
	Narrate(ctx context.Context, req NarrativeRequest) (string, error)
	ClassifyComment(ctx context.Context, req CommentRequest) (Classification, error)
}

// TimeoutError reports an outbound call that ran out of time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("summarize %s: timed out after %s", e.Op, e.Timeout)
}

// ProviderError reports a non-2xx reply from the summarization provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("summarize %s: provider returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("summarize %s: provider returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPStatus exposes the provider status code for retry classification.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
