package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestKeyDB connects to TEST_KEYDB_ADDR when set, otherwise to a miniredis instance.
func newTestKeyDB(t *testing.T) KV {
	t.Helper()
	addr := os.Getenv("TEST_KEYDB_ADDR")
	if addr == "" {
		mini := miniredis.RunT(t)
		addr = mini.Addr()
	} else {
		t.Cleanup(func() {
			client := redis.NewClient(&redis.Options{Addr: addr})
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
	}

	kv, err := NewKeyDBKV(Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	if ks, ok := kv.(*keydbKV); ok {
		require.NoError(t, ks.client.FlushDB(context.Background()).Err())
	}
	return kv
}

func TestKeyDBKVContract(t *testing.T) {
	runKVContract(t, newTestKeyDB(t), time.Second)
}

func TestNewKeyDBKVUnreachable(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	addr := mini.Addr()
	mini.Close()

	_, err = NewKeyDBKV(Config{Addr: addr})
	require.Error(t, err)
}
