package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/onexay/devpulse/internal/blocker"
)

// Policy models the optional YAML policy file. Absent keys leave the
// environment values in place.
//
//	thresholds:
//	  red_age_days: 7
//	  red_count: 3
//	  yellow_count: 1
//	  yellow_stale_reviews: 3
//	stale_review_days: 3
//	blocking_labels: [blocked, do-not-merge]
type Policy struct {
	Thresholds      *blocker.Thresholds `yaml:"thresholds"`
	StaleReviewDays *int                `yaml:"stale_review_days"`
	BlockingLabels  []string            `yaml:"blocking_labels"`
}

// LoadPolicy reads and decodes a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	var p Policy
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return p, nil
}

// Apply overlays the policy on rc. Threshold fields left at zero keep their
// current value.
func (p Policy) Apply(rc *ReportConfig) {
	if t := p.Thresholds; t != nil {
		if t.RedAgeDays != 0 {
			rc.Thresholds.RedAgeDays = t.RedAgeDays
		}
		if t.RedCount != 0 {
			rc.Thresholds.RedCount = t.RedCount
		}
		if t.YellowCount != 0 {
			rc.Thresholds.YellowCount = t.YellowCount
		}
		if t.YellowStaleReviews != 0 {
			rc.Thresholds.YellowStaleReviews = t.YellowStaleReviews
		}
	}
	if p.StaleReviewDays != nil {
		rc.StaleReviewDays = *p.StaleReviewDays
	}
	if p.BlockingLabels != nil {
		rc.LabelBlocklist = p.BlockingLabels
	}
}
