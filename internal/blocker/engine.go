// Package blocker detects pull request blockers, groups them by the person
// they block and derives a red/yellow/green status.
package blocker

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/onexay/devpulse/internal/types"
)

// Unassigned groups blockers of pull requests with no known author.
const Unassigned = "unassigned"

// RAG is the traffic-light status of a report.
type RAG string

const (
	Green  RAG = "green"
	Yellow RAG = "yellow"
	Red    RAG = "red"
)

// Thresholds tune the RAG evaluation.
type Thresholds struct {
	RedAgeDays         int `yaml:"red_age_days" json:"redAgeDays"`
	RedCount           int `yaml:"red_count" json:"redCount"`
	YellowCount        int `yaml:"yellow_count" json:"yellowCount"`
	YellowStaleReviews int `yaml:"yellow_stale_reviews" json:"yellowStaleReviews"`
}

// DefaultThresholds returns the stock RAG thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{RedAgeDays: 7, RedCount: 3, YellowCount: 1, YellowStaleReviews: 3}
}

// Validate checks every threshold is positive.
func (t Thresholds) Validate() error {
	if t.RedAgeDays <= 0 || t.RedCount <= 0 || t.YellowCount <= 0 || t.YellowStaleReviews <= 0 {
		return errors.New("rag thresholds must be positive")
	}
	if t.YellowCount > t.RedCount {
		return fmt.Errorf("yellow count %d exceeds red count %d", t.YellowCount, t.RedCount)
	}
	return nil
}

// Item is a blocker together with the pull request it blocks.
type Item struct {
	PR    types.PRMetadata     `json:"pr"`
	Key   string               `json:"key"`
	Entry types.PRBlockerEntry `json:"entry"`
}

// AgeDays is the whole number of days since the blocker was detected.
func (i Item) AgeDays(now time.Time) int {
	return AgeDays(i.Entry.DetectedAt, now)
}

// UserGroup collects the blockers of one blocked person.
type UserGroup struct {
	User          string `json:"user"`
	Blockers      []Item `json:"blockers"`
	OldestAgeDays int    `json:"oldestAgeDays"`
	OldestAge     string `json:"oldestAge"`
}

// AgeDays floors now-since to whole days, never below zero.
func AgeDays(since, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// FormatAge renders an age in days.
func FormatAge(days int) string {
	switch days {
	case 0:
		return "today"
	case 1:
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// GroupByUser groups active blockers under each author of the blocked pull
// request. Groups are ordered by descending blocker count, then by user.
func GroupByUser(items []Item, now time.Time) []UserGroup {
	byUser := map[string]*UserGroup{}
	for _, item := range items {
		if !item.Entry.Active() {
			continue
		}
		users := item.PR.Authors
		if len(users) == 0 {
			users = []string{Unassigned}
		}
		for _, user := range users {
			g, ok := byUser[user]
			if !ok {
				g = &UserGroup{User: user}
				byUser[user] = g
			}
			g.Blockers = append(g.Blockers, item)
			if age := item.AgeDays(now); age > g.OldestAgeDays {
				g.OldestAgeDays = age
			}
		}
	}

	groups := make([]UserGroup, 0, len(byUser))
	for _, g := range byUser {
		g.OldestAge = FormatAge(g.OldestAgeDays)
		slices.SortStableFunc(g.Blockers, func(a, b Item) int {
			return a.Entry.DetectedAt.Compare(b.Entry.DetectedAt)
		})
		groups = append(groups, *g)
	}
	slices.SortFunc(groups, func(a, b UserGroup) int {
		if c := cmp.Compare(len(b.Blockers), len(a.Blockers)); c != 0 {
			return c
		}
		return cmp.Compare(a.User, b.User)
	})
	return groups
}

// StaleReviews returns the unresolved pending reviews at least thresholdDays
// old, oldest first.
func StaleReviews(items []Item, now time.Time, thresholdDays int) []Item {
	threshold := time.Duration(thresholdDays) * 24 * time.Hour
	var out []Item
	for _, item := range items {
		if item.Entry.Type != types.BlockerPendingReview || !item.Entry.Active() {
			continue
		}
		if now.Sub(item.Entry.DetectedAt) >= threshold {
			out = append(out, item)
		}
	}
	slices.SortStableFunc(out, func(a, b Item) int {
		if c := a.Entry.DetectedAt.Compare(b.Entry.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.PR.Number, b.PR.Number)
	})
	return out
}

// Status evaluates the active blockers and stale reviews against th.
// Pending reviews only count through stale.
func Status(items []Item, stale []Item, now time.Time, th Thresholds) RAG {
	ages := make([]int, 0, len(items))
	for _, item := range items {
		if item.Entry.Type == types.BlockerPendingReview || !item.Entry.Active() {
			continue
		}
		ages = append(ages, item.AgeDays(now))
	}
	return Evaluate(ages, len(stale), th)
}

// Evaluate applies the RAG rules to active blocker ages and a stale review
// count. Red conditions take precedence over yellow ones.
func Evaluate(activeAges []int, staleReviews int, th Thresholds) RAG {
	if len(activeAges) >= th.RedCount {
		return Red
	}
	for _, age := range activeAges {
		if age >= th.RedAgeDays {
			return Red
		}
	}
	if len(activeAges) >= th.YellowCount || staleReviews >= th.YellowStaleReviews {
		return Yellow
	}
	return Green
}
