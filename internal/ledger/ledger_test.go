package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/types"
)

var epoch = time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ledger *Ledger
	kv     storage.KV
	clock  *fakeClock
}

func newMemoryFixture(t *testing.T) fixture {
	t.Helper()
	clock := &fakeClock{now: epoch}
	kv := storage.NewMemoryKV(storage.Options{Clock: clock.Now})
	return fixture{ledger: New(kv, Options{Clock: clock.Now}), kv: kv, clock: clock}
}

func newKeyDBFixture(t *testing.T) fixture {
	t.Helper()
	mini := miniredis.RunT(t)
	kv, err := storage.NewKeyDBKV(storage.Config{Addr: mini.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	clock := &fakeClock{now: epoch}
	return fixture{ledger: New(kv, Options{Clock: clock.Now}), kv: kv, clock: clock}
}

// forEachBackend runs fn against the memory store and a miniredis-backed store.
func forEachBackend(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
	t.Run("keydb", func(t *testing.T) { fn(t, newKeyDBFixture(t)) })
}

func commit(sha string, at time.Time) types.BranchCommit {
	return types.BranchCommit{SHA: sha, Summary: "change " + sha, Category: "feature", Significance: "minor", Author: "ana", Timestamp: at}
}

func TestAppendCommitKeepsArrivalOrderAndDedupes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		l := f.ledger

		require.NoError(t, l.AppendCommit(ctx, "api", "feat/x", commit("b", epoch.Add(time.Hour))))
		require.NoError(t, l.AppendCommit(ctx, "api", "feat/x", commit("a", epoch)))
		require.NoError(t, l.AppendCommit(ctx, "api", "feat/x", commit("b", epoch.Add(time.Hour))))
		require.NoError(t, l.AppendCommit(ctx, "api", "feat/y", commit("c", epoch)))

		log, err := l.BranchLog(ctx, "api", "feat/x")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, "b", log[0].SHA)
		assert.Equal(t, "a", log[1].SHA)

		other, err := l.BranchLog(ctx, "api", "feat/y")
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.Equal(t, "c", other[0].SHA)

		repos, err := l.Repos(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"api"}, repos)

		branches, err := l.Branches(ctx, "api")
		require.NoError(t, err)
		assert.Len(t, branches, 2)
		assert.True(t, branches["feat/x"].Equal(epoch))
	})
}

func TestAppendCommitValidation(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	var validation *storage.ValidationError
	assert.ErrorAs(t, f.ledger.AppendCommit(ctx, "", "main", commit("a", epoch)), &validation)
	assert.ErrorAs(t, f.ledger.AppendCommit(ctx, "api", "main", commit("", epoch)), &validation)
	assert.ErrorAs(t, f.ledger.AppendCommit(ctx, "api", "main", commit("a", time.Time{})), &validation)
}

func TestBranchLogRejectsCorruptEntries(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.RPush(ctx, branchCommitsKey("api", "main"), "{not json"))

	_, err := f.ledger.BranchLog(ctx, "api", "main")
	var corrupted *storage.CorruptedRecordError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, "branch commit", corrupted.Resource)
}

func TestUpsertPRAccumulatesAuthors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		l := f.ledger

		meta, err := l.UpsertPR(ctx, 42, types.PRPatch{Repo: "api", Branch: "feat/x", Authors: []string{"ana"}, At: epoch})
		require.NoError(t, err)
		assert.Equal(t, types.PRStatusOpen, meta.Status)
		assert.True(t, meta.OpenedAt.Equal(epoch))

		meta, err = l.UpsertPR(ctx, 42, types.PRPatch{Title: "Add export", Authors: []string{"bo", "ana"}, At: epoch.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, "api", meta.Repo)
		assert.Equal(t, "feat/x", meta.Branch)
		assert.Equal(t, "Add export", meta.Title)
		assert.Equal(t, []string{"ana", "bo"}, meta.Authors)
		assert.True(t, meta.OpenedAt.Equal(epoch), "opened_at is set once")

		open, err := l.OpenPRs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{42}, open)

		day, err := l.DayPRs(ctx, epoch)
		require.NoError(t, err)
		assert.Equal(t, []int{42}, day)
	})
}

func TestUpsertPRRejectsMissingOrChangedLocation(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	var validation *storage.ValidationError
	_, err := f.ledger.UpsertPR(ctx, 7, types.PRPatch{Title: "no branch", Repo: "api"})
	require.ErrorAs(t, err, &validation)

	_, err = f.ledger.GetPR(ctx, 7)
	var notFound *storage.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = f.ledger.UpsertPR(ctx, 7, types.PRPatch{Repo: "api", Branch: "feat/a"})
	require.NoError(t, err)

	var conflict *storage.ConflictError
	_, err = f.ledger.UpsertPR(ctx, 7, types.PRPatch{Repo: "api", Branch: "feat/b"})
	require.ErrorAs(t, err, &conflict)

	_, err = f.ledger.UpsertPR(ctx, 0, types.PRPatch{Repo: "api", Branch: "feat/b"})
	require.ErrorAs(t, err, &validation)
}

func TestGetPRSurfacesCorruption(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing branch", map[string]string{"repo": "api", "status": "open", "opened_at": epoch.Format(time.RFC3339Nano)}},
		{"missing repo", map[string]string{"branch": "x", "status": "open", "opened_at": epoch.Format(time.RFC3339Nano)}},
		{"bad status", map[string]string{"repo": "api", "branch": "x", "status": "draft", "opened_at": epoch.Format(time.RFC3339Nano)}},
		{"bad opened_at", map[string]string{"repo": "api", "branch": "x", "status": "open", "opened_at": "yesterday"}},
		{"merged without time", map[string]string{"repo": "api", "branch": "x", "status": "merged", "opened_at": epoch.Format(time.RFC3339Nano)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			ctx := context.Background()
			require.NoError(t, f.kv.HSet(ctx, prMetaKey(9), tt.fields))

			_, err := f.ledger.GetPR(ctx, 9)
			var corrupted *storage.CorruptedRecordError
			require.ErrorAs(t, err, &corrupted)
			assert.Equal(t, "pr:9:meta", corrupted.Key)
		})
	}
}

func TestSetStatusMergedAppliesRetention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		l := f.ledger

		_, err := l.UpsertPR(ctx, 5, types.PRPatch{Repo: "api", Branch: "fix/y", Authors: []string{"ana"}, At: epoch})
		require.NoError(t, err)
		_, err = l.PutBlocker(ctx, 5, "label:blocked", types.PRBlockerEntry{Type: types.BlockerLabel, Description: "blocked", DetectedAt: epoch})
		require.NoError(t, err)

		mergedAt := epoch.Add(26 * time.Hour)
		meta, err := l.SetStatus(ctx, 5, types.PRStatusMerged, mergedAt)
		require.NoError(t, err)
		assert.Equal(t, types.PRStatusMerged, meta.Status)
		require.NotNil(t, meta.MergedAt)
		assert.True(t, meta.MergedAt.Equal(mergedAt))

		for _, key := range []string{prMetaKey(5), prAuthorsKey(5), prBlockersKey(5)} {
			ttl, err := f.kv.TTL(ctx, key)
			require.NoError(t, err, key)
			assert.Equal(t, 30*24*time.Hour, ttl, key)
		}

		open, err := l.OpenPRs(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		day, err := l.DayPRs(ctx, mergedAt)
		require.NoError(t, err)
		assert.Equal(t, []int{5}, day)

		again, err := l.SetStatus(ctx, 5, types.PRStatusMerged, mergedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, again.MergedAt.Equal(mergedAt), "repeated merge keeps the first merge time")

		var conflict *storage.ConflictError
		_, err = l.SetStatus(ctx, 5, types.PRStatusClosed, mergedAt)
		require.ErrorAs(t, err, &conflict)
	})
}

func TestSetStatusClosedPurgesBlockers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		l := f.ledger

		_, err := l.UpsertPR(ctx, 8, types.PRPatch{Repo: "api", Branch: "spike", Authors: []string{"bo"}, At: epoch})
		require.NoError(t, err)
		_, err = l.PutBlocker(ctx, 8, "pending:cy", types.PRBlockerEntry{Type: types.BlockerPendingReview, Reviewer: "cy", DetectedAt: epoch})
		require.NoError(t, err)

		meta, err := l.SetStatus(ctx, 8, types.PRStatusClosed, epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, types.PRStatusClosed, meta.Status)

		blockers, err := l.Blockers(ctx, 8)
		require.NoError(t, err)
		assert.Empty(t, blockers)

		ttl, err := f.kv.TTL(ctx, prMetaKey(8))
		require.NoError(t, err)
		assert.Equal(t, 7*24*time.Hour, ttl)

		var conflict *storage.ConflictError
		_, err = l.PutBlocker(ctx, 8, "label:x", types.PRBlockerEntry{Type: types.BlockerLabel, DetectedAt: epoch})
		require.ErrorAs(t, err, &conflict)
	})
}

func TestSetStatusUnknownPR(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.ledger.SetStatus(context.Background(), 99, types.PRStatusMerged, epoch)
	var notFound *storage.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestUpsertAfterMergeKeepsStatus(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	l := f.ledger

	_, err := l.UpsertPR(ctx, 3, types.PRPatch{Repo: "api", Branch: "b", At: epoch})
	require.NoError(t, err)
	_, err = l.SetStatus(ctx, 3, types.PRStatusMerged, epoch.Add(time.Hour))
	require.NoError(t, err)

	meta, err := l.UpsertPR(ctx, 3, types.PRPatch{Authors: []string{"late"}, At: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, types.PRStatusMerged, meta.Status)
	assert.Equal(t, []string{"late"}, meta.Authors)

	open, err := l.OpenPRs(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	ttl, err := f.kv.TTL(ctx, prAuthorsKey(3))
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestPutBlockerKeepsFirstDetection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		l := f.ledger
		_, err := l.UpsertPR(ctx, 11, types.PRPatch{Repo: "api", Branch: "b", At: epoch})
		require.NoError(t, err)

		first := types.PRBlockerEntry{Type: types.BlockerChangesRequested, Reviewer: "cy", Description: "needs tests", DetectedAt: epoch}
		_, err = l.PutBlocker(ctx, 11, "review:cy", first)
		require.NoError(t, err)

		again := first
		again.Description = "still needs tests"
		again.DetectedAt = epoch.Add(48 * time.Hour)
		stored, err := l.PutBlocker(ctx, 11, "review:cy", again)
		require.NoError(t, err)
		assert.True(t, stored.DetectedAt.Equal(epoch))
		assert.Equal(t, "still needs tests", stored.Description)

		ok, err := l.ResolveBlocker(ctx, 11, "review:cy", epoch.Add(72*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.ResolveBlocker(ctx, 11, "review:cy", epoch.Add(73*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "already resolved")

		ok, err = l.ResolveBlocker(ctx, 11, "review:nobody", epoch)
		require.NoError(t, err)
		assert.False(t, ok)

		reopened := first
		reopened.DetectedAt = epoch.Add(96 * time.Hour)
		stored, err = l.PutBlocker(ctx, 11, "review:cy", reopened)
		require.NoError(t, err)
		assert.True(t, stored.DetectedAt.Equal(reopened.DetectedAt))
		assert.True(t, stored.Active())

		blockers, err := l.Blockers(ctx, 11)
		require.NoError(t, err)
		require.Len(t, blockers, 1)
		assert.Equal(t, "review:cy", blockers[0].Key)
	})
}

func TestWatermarkRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, ok, err := f.ledger.GetWatermark(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		mark := epoch.Add(1500 * time.Millisecond)
		require.NoError(t, f.ledger.SetWatermark(ctx, mark))

		got, ok, err := f.ledger.GetWatermark(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, got.Equal(mark))
	})
}

func TestWatermarkCorrupted(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, watermarkKey, "not a time"))

	_, _, err := f.ledger.GetWatermark(ctx)
	var corrupted *storage.CorruptedRecordError
	require.ErrorAs(t, err, &corrupted)
}

func TestSweepResolvedBlockers(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	l := f.ledger

	_, err := l.UpsertPR(ctx, 1, types.PRPatch{Repo: "api", Branch: "b", At: epoch})
	require.NoError(t, err)
	for _, key := range []string{"label:old", "label:recent", "label:active"} {
		_, err := l.PutBlocker(ctx, 1, key, types.PRBlockerEntry{Type: types.BlockerLabel, DetectedAt: epoch})
		require.NoError(t, err)
	}
	_, err = l.ResolveBlocker(ctx, 1, "label:old", epoch)
	require.NoError(t, err)
	_, err = l.ResolveBlocker(ctx, 1, "label:recent", epoch.Add(6*24*time.Hour))
	require.NoError(t, err)

	removed, err := l.SweepResolvedBlockers(ctx, epoch.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	blockers, err := l.Blockers(ctx, 1)
	require.NoError(t, err)
	keys := make([]string, 0, len(blockers))
	for _, b := range blockers {
		keys = append(keys, b.Key)
	}
	assert.Equal(t, []string{"label:active", "label:recent"}, keys)
}

func TestSweepStaleBranchesKeepsReferencedBranches(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	l := f.ledger

	require.NoError(t, l.AppendCommit(ctx, "api", "old-open", commit("a", epoch)))
	require.NoError(t, l.AppendCommit(ctx, "api", "old-orphan", commit("b", epoch)))
	require.NoError(t, l.AppendCommit(ctx, "web", "old-orphan", commit("c", epoch)))
	_, err := l.UpsertPR(ctx, 2, types.PRPatch{Repo: "api", Branch: "old-open", At: epoch})
	require.NoError(t, err)

	f.clock.Advance(20 * 24 * time.Hour)
	require.NoError(t, l.AppendCommit(ctx, "api", "fresh", commit("d", f.clock.Now())))

	removed, err := l.SweepStaleBranches(ctx, epoch.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	branches, err := l.Branches(ctx, "api")
	require.NoError(t, err)
	assert.Contains(t, branches, "old-open")
	assert.Contains(t, branches, "fresh")
	assert.NotContains(t, branches, "old-orphan")

	log, err := l.BranchLog(ctx, "api", "old-orphan")
	require.NoError(t, err)
	assert.Empty(t, log)

	repos, err := l.Repos(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, repos)
}

func TestDayUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	l := New(storage.NewMemoryKV(storage.Options{}), Options{Location: loc})
	assert.Equal(t, "2025-03-06", l.Day(time.Date(2025, 3, 7, 2, 0, 0, 0, time.UTC)))
}

// interleavedKV runs next once, right after the first HGetAll of key.
type interleavedKV struct {
	storage.KV
	key  string
	next func()
}

func (k *interleavedKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	raw, err := k.KV.HGetAll(ctx, key)
	if key == k.key && k.next != nil {
		next := k.next
		k.next = nil
		next()
	}
	return raw, err
}

func TestSetStatusRacingTransitionsConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, err := f.ledger.UpsertPR(ctx, 6, types.PRPatch{Repo: "api", Branch: "feat/race", At: epoch})
		require.NoError(t, err)

		kv := &interleavedKV{KV: f.kv, key: prMetaKey(6)}
		l := New(kv, Options{Clock: f.clock.Now})
		kv.next = func() {
			_, err := l.SetStatus(ctx, 6, types.PRStatusClosed, epoch.Add(time.Hour))
			require.NoError(t, err)
		}

		_, err = l.SetStatus(ctx, 6, types.PRStatusMerged, epoch.Add(2*time.Hour))
		var conflict *storage.ConflictError
		require.ErrorAs(t, err, &conflict)

		meta, err := f.ledger.GetPR(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, types.PRStatusClosed, meta.Status)
		assert.NotNil(t, meta.ClosedAt)
		assert.Nil(t, meta.MergedAt)
	})
}

func TestSetStatusRetriesInterruptedTransition(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := f.ledger.UpsertPR(ctx, 4, types.PRPatch{Repo: "api", Branch: "b", At: epoch})
	require.NoError(t, err)
	_, err = f.kv.HSetNX(ctx, prMetaKey(4), fieldTransition, string(types.PRStatusMerged))
	require.NoError(t, err)

	meta, err := f.ledger.SetStatus(ctx, 4, types.PRStatusMerged, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.PRStatusMerged, meta.Status)

	open, err := f.ledger.OpenPRs(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUpsertPRClearsLeftoverExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		require.NoError(t, f.kv.SAdd(ctx, prAuthorsKey(11), "ghost"))
		require.NoError(t, f.kv.Expire(ctx, prAuthorsKey(11), time.Hour))
		require.NoError(t, f.kv.HSet(ctx, prBlockersKey(11), map[string]string{"label:x": "{}"}))
		require.NoError(t, f.kv.Expire(ctx, prBlockersKey(11), time.Hour))

		_, err := f.ledger.UpsertPR(ctx, 11, types.PRPatch{Repo: "api", Branch: "feat/new", Authors: []string{"ana"}, At: epoch})
		require.NoError(t, err)

		for _, key := range []string{prMetaKey(11), prAuthorsKey(11), prBlockersKey(11)} {
			ttl, err := f.kv.TTL(ctx, key)
			require.NoError(t, err, key)
			assert.Zero(t, ttl, key)
		}
	})
}

func TestSweepStaleBranchesKeepsBranchTouchedDuringSweep(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendCommit(ctx, "api", "old", commit("a", epoch)))
	f.clock.Advance(31 * 24 * time.Hour)

	kv := &interleavedKV{KV: f.kv, key: branchesKey("api")}
	l := New(kv, Options{Clock: f.clock.Now})
	kv.next = func() {
		require.NoError(t, l.AppendCommit(ctx, "api", "old", commit("b", f.clock.Now())))
	}

	removed, err := l.SweepStaleBranches(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	log, err := l.BranchLog(ctx, "api", "old")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "b", log[1].SHA)
}
