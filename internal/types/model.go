package types

import (
	"slices"
	"time"
)

// BranchCommit captures a translated commit on a repository branch.
type BranchCommit struct {
	SHA          string    `json:"sha"`
	Summary      string    `json:"summary"`
	Category     string    `json:"category"`
	Significance string    `json:"significance"`
	Author       string    `json:"author"`
	Timestamp    time.Time `json:"timestamp"`
}

// PRStatus enumerates pull request lifecycle states.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusMerged PRStatus = "merged"
	PRStatusClosed PRStatus = "closed"
)

// Valid reports whether s is a known status.
func (s PRStatus) Valid() bool {
	switch s {
	case PRStatusOpen, PRStatusMerged, PRStatusClosed:
		return true
	}
	return false
}

// PRMetadata describes a pull request as known to the registry.
type PRMetadata struct {
	Number   int        `json:"number"`
	Repo     string     `json:"repo"`
	Branch   string     `json:"branch"`
	Title    string     `json:"title,omitempty"`
	Authors  []string   `json:"authors"`
	Status   PRStatus   `json:"status"`
	OpenedAt time.Time  `json:"openedAt"`
	ClosedAt *time.Time `json:"closedAt,omitempty"`
	MergedAt *time.Time `json:"mergedAt,omitempty"`
}

// HasAuthor reports whether login is among the PR authors.
func (m PRMetadata) HasAuthor(login string) bool {
	return slices.Contains(m.Authors, login)
}

// PRPatch carries a partial update for the registry. Zero values mean "not supplied".
type PRPatch struct {
	Repo    string
	Branch  string
	Title   string
	Authors []string
	At      time.Time
}

// BlockerType classifies why a pull request is blocked.
type BlockerType string

const (
	BlockerChangesRequested BlockerType = "changes_requested"
	BlockerPendingReview    BlockerType = "pending_review"
	BlockerComment          BlockerType = "comment"
	BlockerLabel            BlockerType = "label"
	BlockerDescription      BlockerType = "description"
	BlockerStaleReview      BlockerType = "stale_review"
)

// PRBlockerEntry is a single outstanding or resolved blocker on a pull request.
type PRBlockerEntry struct {
	Type           BlockerType `json:"type"`
	Description    string      `json:"description"`
	Reviewer       string      `json:"reviewer,omitempty"`
	CommentID      string      `json:"commentId,omitempty"`
	DetectedAt     time.Time   `json:"detectedAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	MentionedUsers []string    `json:"mentionedUsers,omitempty"`
}

// Active reports whether the blocker has not been resolved.
func (b PRBlockerEntry) Active() bool {
	return b.ResolvedAt == nil
}

// KeyedBlocker pairs a blocker with its discriminator inside the PR blocker map.
type KeyedBlocker struct {
	Key   string         `json:"key"`
	Entry PRBlockerEntry `json:"entry"`
}
