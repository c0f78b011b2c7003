// Package ledger persists the branch-first commit log and the pull request
// registry on top of single-key KV primitives.
//
// Commit appends and registry upserts never coordinate with each other; a
// commit may land on its branch before the pull request that owns it is known.
// The resolve package joins the two at read time.
package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/onexay/devpulse/internal/storage"
)

const (
	openIndexKey = "prs:open"
	reposKey     = "repos"
	watermarkKey = "report:watermark"
	dayLayout    = "2006-01-02"
)

// Retention holds the lifetimes applied by status transitions and sweeps.
type Retention struct {
	Merged          time.Duration
	Closed          time.Duration
	ResolvedBlocker time.Duration
	DayIndex        time.Duration
	StaleBranch     time.Duration
}

// DefaultRetention returns the production retention windows.
func DefaultRetention() Retention {
	return Retention{
		Merged:          30 * 24 * time.Hour,
		Closed:          7 * 24 * time.Hour,
		ResolvedBlocker: 7 * 24 * time.Hour,
		DayIndex:        35 * 24 * time.Hour,
		StaleBranch:     30 * 24 * time.Hour,
	}
}

// Options configures a Ledger.
type Options struct {
	Clock     func() time.Time
	Location  *time.Location
	Retention Retention
}

// Ledger is the branch commit log plus the pull request registry.
type Ledger struct {
	kv        storage.KV
	clock     func() time.Time
	loc       *time.Location
	retention Retention
}

// New wires a Ledger over kv. Zero-valued options fall back to defaults.
func New(kv storage.KV, opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	retention := opts.Retention
	def := DefaultRetention()
	if retention.Merged <= 0 {
		retention.Merged = def.Merged
	}
	if retention.Closed <= 0 {
		retention.Closed = def.Closed
	}
	if retention.ResolvedBlocker <= 0 {
		retention.ResolvedBlocker = def.ResolvedBlocker
	}
	if retention.DayIndex <= 0 {
		retention.DayIndex = def.DayIndex
	}
	if retention.StaleBranch <= 0 {
		retention.StaleBranch = def.StaleBranch
	}
	return &Ledger{kv: kv, clock: clock, loc: loc, retention: retention}
}

// Location returns the time zone calendar days are computed in.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time {
	return l.clock()
}

// Day formats t as a calendar date in the ledger time zone.
func (l *Ledger) Day(t time.Time) string {
	return t.In(l.loc).Format(dayLayout)
}

func branchCommitsKey(repo, branch string) string {
	return fmt.Sprintf("branch:%s:%s:commits", repo, branch)
}

func branchesKey(repo string) string {
	return fmt.Sprintf("branches:%s", repo)
}

func prMetaKey(number int) string {
	return fmt.Sprintf("pr:%d:meta", number)
}

func prAuthorsKey(number int) string {
	return fmt.Sprintf("pr:%d:authors", number)
}

func prBlockersKey(number int) string {
	return fmt.Sprintf("pr:%d:blockers", number)
}

func dayKey(day string) string {
	return fmt.Sprintf("day:%s", day)
}

func parsePRNumbers(resource, key string, members []string) ([]int, error) {
	numbers := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil || n <= 0 {
			return nil, &storage.CorruptedRecordError{Resource: resource, Key: key, Reason: fmt.Sprintf("invalid PR number %q", m)}
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}
