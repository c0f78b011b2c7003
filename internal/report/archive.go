package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onexay/devpulse/internal/storage"
)

// Record is an archived rendering of a report.
type Record struct {
	Kind        Kind      `json:"kind"`
	Date        string    `json:"date"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Status      string    `json:"status"`
	Watermark   time.Time `json:"watermark"`
	GeneratedAt time.Time `json:"generatedAt"`
	Delivered   bool      `json:"delivered"`
}

// Archive keeps rendered reports keyed by kind and date.
type Archive struct {
	store storage.Archive
}

// NewArchive wraps a storage archive.
func NewArchive(store storage.Archive) *Archive {
	return &Archive{store: store}
}

// Save writes rec, replacing any earlier rendering for the same kind and date.
func (a *Archive) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := a.store.Store(ctx, string(rec.Kind), rec.Date, payload); err != nil {
		return fmt.Errorf("archive %s report %s: %w", rec.Kind, rec.Date, err)
	}
	return nil
}

// Load returns the archived report of kind for date. A missing report
// surfaces as *storage.NotFoundError.
func (a *Archive) Load(ctx context.Context, kind Kind, date string) (Record, error) {
	payload, err := a.store.Fetch(ctx, string(kind), date)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, &storage.CorruptedRecordError{Resource: "archived report", Key: string(kind) + "/" + date, Reason: err.Error()}
	}
	return rec, nil
}

// Dates lists the archived dates of kind in ascending order.
func (a *Archive) Dates(ctx context.Context, kind Kind) ([]string, error) {
	return a.store.List(ctx, string(kind))
}

// MarkDelivered flags an archived report as delivered.
func (a *Archive) MarkDelivered(ctx context.Context, kind Kind, date string) error {
	rec, err := a.Load(ctx, kind, date)
	if err != nil {
		return err
	}
	rec.Delivered = true
	return a.Save(ctx, rec)
}

// Prune removes archived reports of kind dated before cutoff (YYYY-MM-DD) and
// returns how many were removed.
func (a *Archive) Prune(ctx context.Context, kind Kind, cutoff string) (int, error) {
	dates, err := a.Dates(ctx, kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, date := range dates {
		if date >= cutoff {
			continue
		}
		if err := a.store.Remove(ctx, string(kind), date); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
