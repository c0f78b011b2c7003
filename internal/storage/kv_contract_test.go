package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runKVContract exercises the primitive contract every backend must honour.
func runKVContract(t *testing.T, kv KV, blockTimeout time.Duration) {
	t.Helper()
	ctx := context.Background()

	t.Run("strings", func(t *testing.T) {
		_, err := kv.Get(ctx, "report:watermark")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)

		require.NoError(t, kv.Set(ctx, "report:watermark", "2025-01-03T09:00:00Z"))
		got, err := kv.Get(ctx, "report:watermark")
		require.NoError(t, err)
		assert.Equal(t, "2025-01-03T09:00:00Z", got)
	})

	t.Run("lists keep append order", func(t *testing.T) {
		require.NoError(t, kv.RPush(ctx, "branch:api:feat:commits", "a", "b"))
		require.NoError(t, kv.RPush(ctx, "branch:api:feat:commits", "c"))

		all, err := kv.LRange(ctx, "branch:api:feat:commits", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, all)

		tail, err := kv.LRange(ctx, "branch:api:feat:commits", -2, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, tail)

		missing, err := kv.LRange(ctx, "branch:api:none:commits", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("hashes", func(t *testing.T) {
		require.NoError(t, kv.HSet(ctx, "pr:7:meta", map[string]string{"repo": "api", "branch": "feat"}))
		require.NoError(t, kv.HSet(ctx, "pr:7:meta", map[string]string{"title": "Add login"}))

		all, err := kv.HGetAll(ctx, "pr:7:meta")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"repo": "api", "branch": "feat", "title": "Add login"}, all)

		title, err := kv.HGet(ctx, "pr:7:meta", "title")
		require.NoError(t, err)
		assert.Equal(t, "Add login", title)

		_, err = kv.HGet(ctx, "pr:7:meta", "merged_at")
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)

		written, err := kv.HSetNX(ctx, "pr:7:meta", "title", "Other")
		require.NoError(t, err)
		assert.False(t, written)
		written, err = kv.HSetNX(ctx, "pr:7:meta", "status", "open")
		require.NoError(t, err)
		assert.True(t, written)

		require.NoError(t, kv.HDel(ctx, "pr:7:meta", "repo", "branch", "title", "status"))
		empty, err := kv.HGetAll(ctx, "pr:7:meta")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("sets", func(t *testing.T) {
		require.NoError(t, kv.SAdd(ctx, "prs:open", "12", "3", "12"))
		members, err := kv.SMembers(ctx, "prs:open")
		require.NoError(t, err)
		assert.Equal(t, []string{"12", "3"}, members)

		require.NoError(t, kv.SRem(ctx, "prs:open", "12"))
		members, err = kv.SMembers(ctx, "prs:open")
		require.NoError(t, err)
		assert.Equal(t, []string{"3"}, members)
	})

	t.Run("expire and persist", func(t *testing.T) {
		require.NoError(t, kv.HSet(ctx, "pr:8:meta", map[string]string{"repo": "api"}))
		ttl, err := kv.TTL(ctx, "pr:8:meta")
		require.NoError(t, err)
		assert.Zero(t, ttl)

		require.NoError(t, kv.Expire(ctx, "pr:8:meta", time.Hour))
		ttl, err = kv.TTL(ctx, "pr:8:meta")
		require.NoError(t, err)
		assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 2)

		require.NoError(t, kv.Persist(ctx, "pr:8:meta"))
		ttl, err = kv.TTL(ctx, "pr:8:meta")
		require.NoError(t, err)
		assert.Zero(t, ttl)

		_, err = kv.TTL(ctx, "pr:404:meta")
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("atomic batch", func(t *testing.T) {
		err := kv.Atomic(ctx, func(w Writer) error {
			if err := w.HSet(ctx, "pr:9:meta", map[string]string{"status": "merged"}); err != nil {
				return err
			}
			if err := w.Expire(ctx, "pr:9:meta", 24*time.Hour); err != nil {
				return err
			}
			if err := w.SAdd(ctx, "prs:open", "9"); err != nil {
				return err
			}
			return w.SRem(ctx, "prs:open", "9")
		})
		require.NoError(t, err)

		status, err := kv.HGet(ctx, "pr:9:meta", "status")
		require.NoError(t, err)
		assert.Equal(t, "merged", status)
		ttl, err := kv.TTL(ctx, "pr:9:meta")
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		members, err := kv.SMembers(ctx, "prs:open")
		require.NoError(t, err)
		assert.NotContains(t, members, "9")
	})

	t.Run("scan and delete", func(t *testing.T) {
		require.NoError(t, kv.HSet(ctx, "pr:1:blockers", map[string]string{"label:blocked": "{}"}))
		require.NoError(t, kv.HSet(ctx, "pr:2:blockers", map[string]string{"label:blocked": "{}"}))

		keys, err := kv.Scan(ctx, "pr:*:blockers")
		require.NoError(t, err)
		assert.Equal(t, []string{"pr:1:blockers", "pr:2:blockers"}, keys)

		require.NoError(t, kv.Del(ctx, "pr:1:blockers", "pr:2:blockers"))
		keys, err = kv.Scan(ctx, "pr:*:blockers")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("blocking pop", func(t *testing.T) {
		require.NoError(t, kv.RPush(ctx, "queue:test", `{"id":"1"}`, `{"id":"2"}`))
		first, err := kv.BLPop(ctx, blockTimeout, "queue:test")
		require.NoError(t, err)
		assert.Equal(t, `{"id":"1"}`, first)
		second, err := kv.BLPop(ctx, blockTimeout, "queue:test")
		require.NoError(t, err)
		assert.Equal(t, `{"id":"2"}`, second)

		_, err = kv.BLPop(ctx, blockTimeout, "queue:test")
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("wrong type", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, "scalar", "x"))
		_, err := kv.LRange(ctx, "scalar", 0, -1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWrongType), "unexpected error: %v", err)
	})
}
