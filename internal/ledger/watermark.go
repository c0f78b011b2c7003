package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/onexay/devpulse/internal/storage"
)

// GetWatermark returns the persisted watermark. The boolean is false when no
// report has completed yet.
func (l *Ledger) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	raw, err := l.kv.Get(ctx, watermarkKey)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, &storage.CorruptedRecordError{Resource: "watermark", Key: watermarkKey, Reason: err.Error()}
	}
	return t, true, nil
}

// SetWatermark overwrites the persisted watermark.
func (l *Ledger) SetWatermark(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return &storage.ValidationError{Message: "watermark must not be zero"}
	}
	return l.kv.Set(ctx, watermarkKey, formatTime(t))
}
