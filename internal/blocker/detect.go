package blocker

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/types"
)

// Keys of the commit-message signals.
const (
	KeyCommitWIP     = "commit:wip"
	KeyCommitBlocked = "commit:blocked"

	commitPrefix = "commit:"
)

var (
	wipPattern     = regexp.MustCompile(`(?i)(^|[^a-z0-9])wip([^a-z0-9]|$)`)
	blockedPattern = regexp.MustCompile(`(?i)\bblocked\b[:\s-]*(.*)`)
	dependsPattern = regexp.MustCompile(`(?i)\bdepends\s+on\s+#(\d+)`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)`)
	headingPattern = regexp.MustCompile(`^#{1,6}\s+`)
	bulletPattern  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
)

// DependsKey returns the discriminator of a commit-message dependency.
func DependsKey(pr string) string { return commitPrefix + "depends:" + pr }

// IsCommitSignal reports whether key was raised by a commit message.
func IsCommitSignal(key string) bool { return strings.HasPrefix(key, commitPrefix) }

// ReviewKey returns the discriminator of a changes-requested review.
func ReviewKey(reviewer string) string { return "review:" + reviewer }

// PendingKey returns the discriminator of a requested review.
func PendingKey(reviewer string) string { return "pending:" + reviewer }

// CommentKey returns the discriminator of a comment-raised blocker.
func CommentKey(id string) string { return "comment:" + id }

// LabelKey returns the discriminator of a blocking label.
func LabelKey(name string) string { return "label:" + strings.ToLower(strings.TrimSpace(name)) }

// DescriptionKey returns the discriminator of the n-th description blocker.
func DescriptionKey(n int) string { return fmt.Sprintf("description:%d", n) }

// CommitSignals extracts WIP, BLOCKED and "depends on #n" markers from a
// commit message.
func CommitSignals(message string, at time.Time) []types.KeyedBlocker {
	var out []types.KeyedBlocker
	subject, _, _ := strings.Cut(message, "\n")

	if wipPattern.MatchString(subject) {
		out = append(out, types.KeyedBlocker{Key: KeyCommitWIP, Entry: types.PRBlockerEntry{
			Type:        types.BlockerDescription,
			Description: "work in progress",
			DetectedAt:  at,
		}})
	}
	if m := blockedPattern.FindStringSubmatch(message); m != nil {
		reason := strings.TrimSpace(firstLine(m[1]))
		desc := "blocked"
		if reason != "" {
			desc = "blocked: " + reason
		}
		out = append(out, types.KeyedBlocker{Key: KeyCommitBlocked, Entry: types.PRBlockerEntry{
			Type:           types.BlockerDescription,
			Description:    desc,
			DetectedAt:     at,
			MentionedUsers: Mentions(reason),
		}})
	}
	seen := map[string]bool{}
	for _, m := range dependsPattern.FindAllStringSubmatch(message, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, types.KeyedBlocker{Key: DependsKey(m[1]), Entry: types.PRBlockerEntry{
			Type:        types.BlockerDescription,
			Description: "depends on #" + m[1],
			DetectedAt:  at,
		}})
	}
	return out
}

// LabelBlockers returns one blocker per label found in blocklist, compared
// case-insensitively.
func LabelBlockers(labels, blocklist []string, at time.Time) []types.KeyedBlocker {
	var out []types.KeyedBlocker
	for _, label := range labels {
		if !IsBlockingLabel(label, blocklist) {
			continue
		}
		key := LabelKey(label)
		if slices.ContainsFunc(out, func(b types.KeyedBlocker) bool { return b.Key == key }) {
			continue
		}
		out = append(out, types.KeyedBlocker{Key: key, Entry: types.PRBlockerEntry{
			Type:        types.BlockerLabel,
			Description: "labelled " + strings.TrimSpace(label),
			DetectedAt:  at,
		}})
	}
	return out
}

// IsBlockingLabel reports whether label is in blocklist.
func IsBlockingLabel(label string, blocklist []string) bool {
	label = strings.TrimSpace(label)
	return slices.ContainsFunc(blocklist, func(b string) bool {
		return strings.EqualFold(strings.TrimSpace(b), label)
	})
}

// DescriptionBlockers parses the bullet items under a "## Blockers" heading of
// a pull request body, stopping at the next heading. Checked task items are
// treated as resolved and skipped.
func DescriptionBlockers(body string, at time.Time) []types.KeyedBlocker {
	var out []types.KeyedBlocker
	inSection := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if headingPattern.MatchString(trimmed) {
			title := strings.TrimSpace(headingPattern.ReplaceAllString(trimmed, ""))
			inSection = strings.EqualFold(strings.TrimSuffix(title, ":"), "blockers")
			continue
		}
		if !inSection {
			continue
		}
		m := bulletPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		lower := strings.ToLower(item)
		if strings.HasPrefix(lower, "[x]") {
			continue
		}
		item = strings.TrimSpace(strings.TrimPrefix(item, "[ ]"))
		if item == "" || strings.EqualFold(item, "none") {
			continue
		}
		out = append(out, types.KeyedBlocker{Key: DescriptionKey(len(out) + 1), Entry: types.PRBlockerEntry{
			Type:           types.BlockerDescription,
			Description:    item,
			DetectedAt:     at,
			MentionedUsers: Mentions(item),
		}})
	}
	return out
}

// Review states as delivered by the source-control host.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewDismissed        = "DISMISSED"
)

// ReviewOutcome lists the blockers a submitted review adds and resolves.
type ReviewOutcome struct {
	Add     []types.KeyedBlocker
	Resolve []string
}

// ReviewBlocker maps a submitted review onto blocker changes. Any response
// settles the pending request of that reviewer.
func ReviewBlocker(reviewer, state, body string, at time.Time) ReviewOutcome {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return ReviewOutcome{}
	}
	outcome := ReviewOutcome{Resolve: []string{PendingKey(reviewer)}}
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case ReviewChangesRequested:
		desc := "changes requested by " + reviewer
		if summary := strings.TrimSpace(firstLine(body)); summary != "" {
			desc += ": " + summary
		}
		outcome.Add = append(outcome.Add, types.KeyedBlocker{Key: ReviewKey(reviewer), Entry: types.PRBlockerEntry{
			Type:           types.BlockerChangesRequested,
			Description:    desc,
			Reviewer:       reviewer,
			DetectedAt:     at,
			MentionedUsers: Mentions(body),
		}})
	case ReviewApproved, ReviewDismissed:
		outcome.Resolve = append(outcome.Resolve, ReviewKey(reviewer))
	}
	return outcome
}

// PendingReview records that reviewer has been asked to review.
func PendingReview(reviewer string, at time.Time) types.KeyedBlocker {
	return types.KeyedBlocker{Key: PendingKey(reviewer), Entry: types.PRBlockerEntry{
		Type:        types.BlockerPendingReview,
		Description: "awaiting review from " + reviewer,
		Reviewer:    reviewer,
		DetectedAt:  at,
	}}
}

// CommentBlocker builds the blocker raised by a pull request comment.
func CommentBlocker(commentID, author, body string, at time.Time) types.KeyedBlocker {
	desc := strings.TrimSpace(firstLine(body))
	if desc == "" {
		desc = "blocker raised by " + author
	}
	return types.KeyedBlocker{Key: CommentKey(commentID), Entry: types.PRBlockerEntry{
		Type:           types.BlockerComment,
		Description:    desc,
		CommentID:      commentID,
		DetectedAt:     at,
		MentionedUsers: Mentions(body),
	}}
}

// Mentions returns the distinct @logins in text, in order of appearance.
func Mentions(text string) []string {
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
