package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

// PutBlocker stores entry under key in the blocker map of a pull request.
// Re-detecting an active blocker keeps its original DetectedAt so age is
// measured from first sight. Blockers are not recorded on closed pull
// requests.
func (l *Ledger) PutBlocker(ctx context.Context, number int, key string, entry types.PRBlockerEntry) (types.PRBlockerEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return types.PRBlockerEntry{}, &storage.ValidationError{Message: "blocker key is required"}
	}
	if entry.Type == "" {
		return types.PRBlockerEntry{}, &storage.ValidationError{Message: fmt.Sprintf("blocker %s: type is required", key)}
	}
	if entry.DetectedAt.IsZero() {
		entry.DetectedAt = l.clock()
	}
	entry.DetectedAt = entry.DetectedAt.UTC()

	meta, err := l.GetPR(ctx, number)
	if err != nil {
		return types.PRBlockerEntry{}, err
	}
	if meta.Status == types.PRStatusClosed {
		return types.PRBlockerEntry{}, &storage.ConflictError{Resource: "blocker", Key: key, Reason: fmt.Sprintf("pull request %d is closed", number)}
	}

	hashKey := prBlockersKey(number)
	previous, found, err := l.blocker(ctx, hashKey, key)
	if err != nil {
		return types.PRBlockerEntry{}, err
	}
	if found && previous.Active() && entry.Active() {
		entry.DetectedAt = previous.DetectedAt
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return types.PRBlockerEntry{}, err
	}
	if err := l.kv.HSet(ctx, hashKey, map[string]string{key: string(payload)}); err != nil {
		return types.PRBlockerEntry{}, fmt.Errorf("put blocker %s on pull request %d: %w", key, number, err)
	}
	if meta.Status == types.PRStatusMerged {
		if err := l.alignExpiry(ctx, number, hashKey); err != nil {
			return types.PRBlockerEntry{}, err
		}
	}
	return entry, nil
}

// ResolveBlocker stamps ResolvedAt on an active blocker. It reports false when
// the blocker is unknown or already resolved.
func (l *Ledger) ResolveBlocker(ctx context.Context, number int, key string, at time.Time) (bool, error) {
	hashKey := prBlockersKey(number)
	entry, found, err := l.blocker(ctx, hashKey, key)
	if err != nil || !found || !entry.Active() {
		return false, err
	}
	if at.IsZero() {
		at = l.clock()
	}
	resolved := at.UTC()
	entry.ResolvedAt = &resolved

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	if err := l.kv.HSet(ctx, hashKey, map[string]string{key: string(payload)}); err != nil {
		return false, fmt.Errorf("resolve blocker %s on pull request %d: %w", key, number, err)
	}
	return true, nil
}

// Blockers returns every blocker of a pull request, resolved ones included,
// ordered by key.
func (l *Ledger) Blockers(ctx context.Context, number int) ([]types.KeyedBlocker, error) {
	hashKey := prBlockersKey(number)
	raw, err := l.kv.HGetAll(ctx, hashKey)
	if err != nil {
		return nil, err
	}
	out := make([]types.KeyedBlocker, 0, len(raw))
	for key, payload := range raw {
		entry, err := decodeBlocker(hashKey, key, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, types.KeyedBlocker{Key: key, Entry: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Ledger) blocker(ctx context.Context, hashKey, key string) (types.PRBlockerEntry, bool, error) {
	payload, err := l.kv.HGet(ctx, hashKey, key)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return types.PRBlockerEntry{}, false, nil
		}
		return types.PRBlockerEntry{}, false, err
	}
	entry, err := decodeBlocker(hashKey, key, payload)
	if err != nil {
		return types.PRBlockerEntry{}, false, err
	}
	return entry, true, nil
}

func decodeBlocker(hashKey, key, payload string) (types.PRBlockerEntry, error) {
	var entry types.PRBlockerEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return types.PRBlockerEntry{}, &storage.CorruptedRecordError{Resource: "blocker", Key: hashKey + "/" + key, Reason: err.Error()}
	}
	if entry.Type == "" || entry.DetectedAt.IsZero() {
		return types.PRBlockerEntry{}, &storage.CorruptedRecordError{Resource: "blocker", Key: hashKey + "/" + key, Reason: "missing type or detectedAt"}
	}
	return entry, nil
}
