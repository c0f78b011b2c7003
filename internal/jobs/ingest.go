package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/blocker"
	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/summarize"
	"github.com/onexay/devpulse/internal/types"
)

// IngestOptions tune the ingest processors.
type IngestOptions struct {
	Clock func() time.Time
	// MaxClockSkew bounds how far in the future an event timestamp may be
	// before it is clamped to now.
	MaxClockSkew   time.Duration
	LabelBlocklist []string
}

// Ingest turns commit, comment and pull request events into ledger writes.
type Ingest struct {
	ledger     *ledger.Ledger
	summarizer summarize.Service
	logger     *zap.SugaredLogger
	clock      func() time.Time
	maxSkew    time.Duration
	blocklist  []string
}

// NewIngest builds the ingest processors.
func NewIngest(l *ledger.Ledger, summarizer summarize.Service, logger *zap.SugaredLogger, opts IngestOptions) *Ingest {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ingest{
		ledger:     l,
		summarizer: summarizer,
		logger:     logger,
		clock:      clock,
		maxSkew:    opts.MaxClockSkew,
		blocklist:  opts.LabelBlocklist,
	}
}

// Register binds the ingest handlers on d.
func (p *Ingest) Register(d *Dispatcher) {
	d.Register(TypeDigest, func(ctx context.Context, raw json.RawMessage) error {
		var job DigestJob
		if err := decodePayload(TypeDigest, raw, &job); err != nil {
			return err
		}
		return p.Digest(ctx, job)
	})
	d.Register(TypeComment, func(ctx context.Context, raw json.RawMessage) error {
		var job CommentJob
		if err := decodePayload(TypeComment, raw, &job); err != nil {
			return err
		}
		return p.Comment(ctx, job)
	})
	d.Register(TypePREvent, func(ctx context.Context, raw json.RawMessage) error {
		var job PREventJob
		if err := decodePayload(TypePREvent, raw, &job); err != nil {
			return err
		}
		return p.PREvent(ctx, job)
	})
}

// Digest translates a commit and appends it to its branch log. A commit that
// names its pull request also updates the registry and commit-message
// blockers.
func (p *Ingest) Digest(ctx context.Context, job DigestJob) error {
	switch {
	case strings.TrimSpace(job.Repo) == "":
		return &storage.ValidationError{Message: "digest: repo is required"}
	case strings.TrimSpace(job.Branch) == "":
		return &storage.ValidationError{Message: "digest: branch is required"}
	case strings.TrimSpace(job.SHA) == "":
		return &storage.ValidationError{Message: "digest: sha is required"}
	case job.Timestamp.IsZero():
		return &storage.ValidationError{Message: "digest: timestamp is required"}
	}
	at := p.clamp(job.Timestamp, "digest", job.SHA)

	translation, err := p.summarizer.TranslateCommit(ctx, summarize.CommitRequest{
		Repo: job.Repo, Branch: job.Branch, SHA: job.SHA, Author: job.User, Message: job.Message,
	})
	if err != nil {
		return fmt.Errorf("translate %s: %w", job.SHA, err)
	}

	err = p.ledger.AppendCommit(ctx, job.Repo, job.Branch, types.BranchCommit{
		SHA:          job.SHA,
		Summary:      translation.Summary,
		Category:     translation.Category,
		Significance: translation.Significance,
		Author:       job.User,
		Timestamp:    at,
	})
	if err != nil {
		return err
	}

	if job.PRNumber == nil {
		return nil
	}
	number := *job.PRNumber
	if _, err := p.ledger.UpsertPR(ctx, number, types.PRPatch{
		Repo: job.Repo, Branch: job.Branch, Authors: []string{job.User}, At: at,
	}); err != nil {
		return err
	}

	// The latest commit carries the branch's current signals; markers it
	// no longer repeats are cleared.
	signals := blocker.CommitSignals(job.Message, at)
	keep := make(map[string]bool, len(signals))
	for _, s := range signals {
		keep[s.Key] = true
		if err := p.putBlocker(ctx, number, s); err != nil {
			return err
		}
	}
	if err := p.resolveWhere(ctx, number, at, func(b types.KeyedBlocker) bool {
		return blocker.IsCommitSignal(b.Key) && !keep[b.Key]
	}); err != nil {
		return err
	}

	p.logger.Debugw("commit digested", "repo", job.Repo, "branch", job.Branch, "sha", job.SHA, "pr", number, "signals", len(signals))
	return nil
}

// Comment classifies a pull request comment and adds or clears comment
// blockers. A failed classification leaves blockers unchanged.
func (p *Ingest) Comment(ctx context.Context, job CommentJob) error {
	if job.PRNumber <= 0 {
		return &storage.ValidationError{Message: "comment: prNumber is required"}
	}
	if strings.TrimSpace(job.CommentID) == "" {
		return &storage.ValidationError{Message: "comment: commentId is required"}
	}
	now := p.clock()

	meta, err := p.ledger.UpsertPR(ctx, job.PRNumber, types.PRPatch{
		Repo: job.Repo, Branch: job.Branch, Title: job.PRTitle, At: now,
	})
	if err != nil {
		return err
	}
	if meta.Status == types.PRStatusClosed {
		return nil
	}

	verdict, err := p.summarizer.ClassifyComment(ctx, summarize.CommentRequest{
		Repo: job.Repo, PRNumber: job.PRNumber, PRTitle: job.PRTitle, Author: job.Author, Body: job.CommentBody,
	})
	if err != nil {
		p.logger.Warnw("comment classification failed, leaving blockers unchanged",
			"pr", job.PRNumber, "comment", job.CommentID, "error", err)
		return nil
	}

	switch verdict.Action {
	case summarize.ActionAddBlocker:
		return p.putBlocker(ctx, job.PRNumber, blocker.CommentBlocker(job.CommentID, job.Author, job.CommentBody, now))
	case summarize.ActionResolveBlocker:
		return p.resolveWhere(ctx, job.PRNumber, now, func(b types.KeyedBlocker) bool {
			return b.Entry.Type == types.BlockerComment
		})
	}
	return nil
}

// PREvent applies a pull request lifecycle or review event.
func (p *Ingest) PREvent(ctx context.Context, job PREventJob) error {
	if job.PRNumber <= 0 {
		return &storage.ValidationError{Message: "pr event: prNumber is required"}
	}
	at := job.At
	if at.IsZero() {
		at = p.clock()
	}
	at = p.clamp(at, "pr_event", fmt.Sprintf("#%d", job.PRNumber))

	var authors []string
	if job.Author != "" {
		authors = []string{job.Author}
	}
	if _, err := p.ledger.UpsertPR(ctx, job.PRNumber, types.PRPatch{
		Repo: job.Repo, Branch: job.Branch, Title: job.Title, Authors: authors, At: at,
	}); err != nil {
		return err
	}

	n := job.PRNumber
	switch job.Action {
	case ActionOpened:
		for _, b := range blocker.LabelBlockers(job.Labels, p.blocklist, at) {
			if err := p.putBlocker(ctx, n, b); err != nil {
				return err
			}
		}
		return p.syncDescription(ctx, n, job.Body, at)
	case ActionEdited:
		return p.syncDescription(ctx, n, job.Body, at)
	case ActionLabeled:
		for _, b := range blocker.LabelBlockers(append([]string{job.Label}, job.Labels...), p.blocklist, at) {
			if err := p.putBlocker(ctx, n, b); err != nil {
				return err
			}
		}
		return nil
	case ActionUnlabeled:
		_, err := p.ledger.ResolveBlocker(ctx, n, blocker.LabelKey(job.Label), at)
		return err
	case ActionReviewRequested:
		if strings.TrimSpace(job.Reviewer) == "" {
			return &storage.ValidationError{Message: "pr event: reviewer is required"}
		}
		return p.putBlocker(ctx, n, blocker.PendingReview(job.Reviewer, at))
	case ActionReviewRequestRemoved:
		_, err := p.ledger.ResolveBlocker(ctx, n, blocker.PendingKey(job.Reviewer), at)
		return err
	case ActionReviewSubmitted:
		outcome := blocker.ReviewBlocker(job.Reviewer, job.ReviewState, job.ReviewBody, at)
		for _, key := range outcome.Resolve {
			if _, err := p.ledger.ResolveBlocker(ctx, n, key, at); err != nil {
				return err
			}
		}
		for _, b := range outcome.Add {
			if err := p.putBlocker(ctx, n, b); err != nil {
				return err
			}
		}
		return nil
	case ActionMerged:
		if _, err := p.ledger.SetStatus(ctx, n, types.PRStatusMerged, at); err != nil {
			return err
		}
		return p.resolveDependents(ctx, n, at)
	case ActionClosed:
		_, err := p.ledger.SetStatus(ctx, n, types.PRStatusClosed, at)
		return err
	}
	return &storage.ValidationError{Message: fmt.Sprintf("pr event: unknown action %q", job.Action)}
}

// syncDescription stores the blockers listed in body and resolves earlier
// description blockers that are gone.
func (p *Ingest) syncDescription(ctx context.Context, number int, body string, at time.Time) error {
	current := blocker.DescriptionBlockers(body, at)
	keep := make(map[string]bool, len(current))
	for _, b := range current {
		keep[b.Key] = true
		if err := p.putBlocker(ctx, number, b); err != nil {
			return err
		}
	}
	return p.resolveWhere(ctx, number, at, func(b types.KeyedBlocker) bool {
		return strings.HasPrefix(b.Key, "description:") && !keep[b.Key]
	})
}

// resolveDependents clears "depends on #merged" markers on open pull requests.
func (p *Ingest) resolveDependents(ctx context.Context, merged int, at time.Time) error {
	open, err := p.ledger.OpenPRs(ctx)
	if err != nil {
		return err
	}
	key := blocker.DependsKey(strconv.Itoa(merged))
	for _, number := range open {
		resolved, err := p.ledger.ResolveBlocker(ctx, number, key, at)
		if err != nil {
			return err
		}
		if resolved {
			p.logger.Debugw("dependency merged", "pr", number, "dependency", merged)
		}
	}
	return nil
}

func (p *Ingest) resolveWhere(ctx context.Context, number int, at time.Time, match func(types.KeyedBlocker) bool) error {
	existing, err := p.ledger.Blockers(ctx, number)
	if err != nil {
		return err
	}
	for _, b := range existing {
		if !b.Entry.Active() || !match(b) {
			continue
		}
		if _, err := p.ledger.ResolveBlocker(ctx, number, b.Key, at); err != nil {
			return err
		}
	}
	return nil
}

// putBlocker stores b, ignoring pull requests that were closed meanwhile.
func (p *Ingest) putBlocker(ctx context.Context, number int, b types.KeyedBlocker) error {
	_, err := p.ledger.PutBlocker(ctx, number, b.Key, b.Entry)
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		p.logger.Debugw("blocker dropped", "pr", number, "key", b.Key, "reason", conflict.Reason)
		return nil
	}
	return err
}

// clamp pulls timestamps too far in the future back to now.
func (p *Ingest) clamp(at time.Time, kind, ref string) time.Time {
	now := p.clock()
	if p.maxSkew > 0 && at.After(now.Add(p.maxSkew)) {
		p.logger.Warnw("event timestamp ahead of clock, clamping", "kind", kind, "ref", ref, "timestamp", at, "now", now)
		return now
	}
	return at
}
