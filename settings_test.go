package portlink

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/memory"
	"github.com/ggoodman/portlink-go/telemetry"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	for _, k := range []string{"PORTLINK_NAME", "REDIS_ADDR", "PORTLINK_KV_PREFIX", "PORTLINK_MEMORY_ITEMS", "PORTLINK_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "portlink", s.Name)
	require.Equal(t, "portlink:kv:", s.KeyPrefix)
	require.Equal(t, 10000, s.MemoryItems)
	require.Equal(t, slog.LevelInfo, s.Level())
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("PORTLINK_NAME", "edge-1")
	t.Setenv("PORTLINK_MEMORY_ITEMS", "5")
	t.Setenv("PORTLINK_LOG_LEVEL", "DEBUG")
	t.Setenv("PORTLINK_SNAPSHOT_KEY", "k")

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "edge-1", s.Name)
	require.Equal(t, 5, s.MemoryItems)
	require.Equal(t, "k", s.SnapshotKey)
	require.Equal(t, slog.LevelDebug, s.Level())
}

func TestSettingsLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (Settings{LogLevel: in}).Level(); got != want {
			t.Fatalf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSettingsOpenStoreInMemory(t *testing.T) {
	kv, err := Settings{MemoryItems: 2}.OpenStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	mem, ok := kv.(*memory.Store)
	require.True(t, ok, "no RedisAddr selects the memory store")

	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, map[string][]byte{"a": []byte("1")}))
	require.NoError(t, kv.Set(ctx, map[string][]byte{"b": []byte("2")}))
	require.NoError(t, kv.Set(ctx, map[string][]byte{"c": []byte("3")}))
	require.Equal(t, []string{"b", "c"}, mem.Keys())
}

func TestSettingsWithoutVerifierGrantsEverything(t *testing.T) {
	c, err := Settings{}.Checker(context.Background())
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestOpenOwnsItsStore(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Settings{Name: "opened", MemoryItems: 100}, nil, nil)
	require.NoError(t, err)
	require.Nil(t, l.Sync, "no provider means receive-only")

	_, err = l.Shutdown(ctx)
	require.NoError(t, err)
	_, err = l.kv.Get(ctx, "anything")
	require.ErrorIs(t, err, storage.ErrClosed)

	_, err = l.Shutdown(ctx)
	require.ErrorIs(t, err, ErrLayerClosed)
}

func TestTelemetryCannotEvictDurableKeys(t *testing.T) {
	kv, err := Settings{MemoryItems: 2}.OpenStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, map[string][]byte{
		config.KeyPrefix + "rate_limit": []byte(`{"max":5}`),
		recovery.SnapshotKey:            []byte(`{}`),
	}))

	sink := &telemetry.StorageSink{KV: kv}
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Flush(ctx, []telemetry.Bucket{{Category: "rpc", Event: fmt.Sprintf("call.%d", i), Count: 1}}))
	}

	got, err := kv.Get(ctx, config.KeyPrefix+"rate_limit", recovery.SnapshotKey, telemetry.StorageKey("rpc", "call.0"))
	require.NoError(t, err)
	require.Contains(t, got, config.KeyPrefix+"rate_limit")
	require.Contains(t, got, recovery.SnapshotKey)
	require.NotContains(t, got, telemetry.StorageKey("rpc", "call.0"))
}
