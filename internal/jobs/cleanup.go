package jobs

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/report"
)

// Cleanup runs the retention sweeps over the ledger and the report archive.
type Cleanup struct {
	ledger           *ledger.Ledger
	archive          *report.Archive
	archiveRetention time.Duration
	logger           *zap.SugaredLogger
}

// NewCleanup builds the cleanup processor. A nil archive or a non-positive
// archiveRetention keeps archived reports forever.
func NewCleanup(l *ledger.Ledger, archive *report.Archive, archiveRetention time.Duration, logger *zap.SugaredLogger) *Cleanup {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Cleanup{ledger: l, archive: archive, archiveRetention: archiveRetention, logger: logger}
}

// CleanupStats counts what one run removed.
type CleanupStats struct {
	Blockers int `json:"blockers"`
	Branches int `json:"branches"`
	Reports  int `json:"reports"`
}

// Register binds the cleanup handler on d.
func (c *Cleanup) Register(d *Dispatcher) {
	d.Register(TypeCleanup, func(ctx context.Context, raw json.RawMessage) error {
		var job CleanupJob
		if len(raw) > 0 {
			if err := decodePayload(TypeCleanup, raw, &job); err != nil {
				return err
			}
		}
		_, err := c.Run(ctx)
		return err
	})
}

// Run executes every sweep once.
func (c *Cleanup) Run(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := c.ledger.Now()

	n, err := c.ledger.SweepResolvedBlockers(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Blockers = n

	n, err = c.ledger.SweepStaleBranches(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Branches = n

	if c.archive != nil && c.archiveRetention > 0 {
		cutoff := c.ledger.Day(now.Add(-c.archiveRetention))
		for _, kind := range []report.Kind{report.Daily, report.Weekly} {
			n, err := c.archive.Prune(ctx, kind, cutoff)
			if err != nil {
				return stats, err
			}
			stats.Reports += n
		}
	}

	c.logger.Infow("cleanup finished", "blockers", stats.Blockers, "branches", stats.Branches, "reports", stats.Reports)
	return stats, nil
}
