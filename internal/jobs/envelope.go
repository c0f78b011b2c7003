// Package jobs carries typed work items through a KV-backed queue to the
// processors that write the ledger and generate reports.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type names a job kind.
type Type string

const (
	TypeDigest  Type = "digest"
	TypeComment Type = "comment"
	TypePREvent Type = "pr_event"
	TypeCleanup Type = "cleanup"
	TypeReport  Type = "report"
)

// Types lists every known job type.
var Types = []Type{TypeDigest, TypeComment, TypePREvent, TypeCleanup, TypeReport}

// ParseType validates a job type name.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, raw)
}

// Envelope wraps a job payload on the queue.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DigestJob reports one pushed commit.
type DigestJob struct {
	Repo      string    `json:"repo"`
	User      string    `json:"user"`
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Branch    string    `json:"branch"`
	PRNumber  *int      `json:"prNumber,omitempty"`
}

// CommentJob reports a comment on a pull request.
type CommentJob struct {
	Repo        string `json:"repo"`
	PRNumber    int    `json:"prNumber"`
	PRTitle     string `json:"prTitle"`
	Branch      string `json:"branch"`
	CommentID   string `json:"commentId"`
	CommentBody string `json:"commentBody"`
	Author      string `json:"author"`
}

// PR event actions.
const (
	ActionOpened               = "opened"
	ActionEdited               = "edited"
	ActionLabeled              = "labeled"
	ActionUnlabeled            = "unlabeled"
	ActionReviewRequested      = "review_requested"
	ActionReviewRequestRemoved = "review_request_removed"
	ActionReviewSubmitted      = "review_submitted"
	ActionMerged               = "merged"
	ActionClosed               = "closed"
)

// PREventJob reports a pull request lifecycle or review event. Author is the
// pull request author.
type PREventJob struct {
	Repo        string    `json:"repo"`
	PRNumber    int       `json:"prNumber"`
	Action      string    `json:"action"`
	Title       string    `json:"title,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Author      string    `json:"author,omitempty"`
	At          time.Time `json:"at"`
	Labels      []string  `json:"labels,omitempty"`
	Label       string    `json:"label,omitempty"`
	Reviewer    string    `json:"reviewer,omitempty"`
	ReviewState string    `json:"reviewState,omitempty"`
	ReviewBody  string    `json:"reviewBody,omitempty"`
	Body        string    `json:"body,omitempty"`
}

// CleanupJob runs the retention sweeps.
type CleanupJob struct{}

// ReportJob generates a daily or weekly report. DateOverride is YYYY-MM-DD.
type ReportJob struct {
	Type         string `json:"type"`
	DateOverride string `json:"dateOverride,omitempty"`
}

func decodePayload(t Type, raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return &PayloadError{Type: t, Err: fmt.Errorf("empty payload")}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &PayloadError{Type: t, Err: err}
	}
	return nil
}
