package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"oidcclient/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mini.Close() })

	r, err := NewRedis(context.Background(), RedisConfig{Addr: mini.Addr(), Prefix: DefaultPrefix}, testLogger())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mini
}

func exerciseStore(t *testing.T, s state.Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "b", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("Get a = %q ok=%v err=%v", v, ok, err)
	}

	keys, err := s.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("GetAllKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	prev, ok, err := s.Remove(ctx, "a")
	if err != nil || !ok || prev != "1" {
		t.Fatalf("Remove a = %q ok=%v err=%v", prev, ok, err)
	}
	if _, ok, _ := s.Remove(ctx, "a"); ok {
		t.Fatalf("second remove should report absent")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(DefaultPrefix, testLogger()))
}

func TestMemoryStorePrefixIsolation(t *testing.T) {
	m := NewMemory(DefaultPrefix, testLogger())
	m.items["other.key"] = "x"
	keys, _ := m.GetAllKeys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("keys outside prefix must be hidden: %v", keys)
	}
}

func TestRedisStore(t *testing.T) {
	r, _ := newTestRedis(t)
	exerciseStore(t, r)
}

func TestRedisStoreUsesPrefixAndTTL(t *testing.T) {
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mini.Close()

	r, err := NewRedis(context.Background(), RedisConfig{Addr: mini.Addr(), Prefix: "app:", TTL: time.Minute}, testLogger())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	if err := r.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mini.Exists("app:k") {
		t.Fatalf("expected prefixed key in redis")
	}
	if ttl := mini.TTL("app:k"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestRedisStoreSweep(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	old := state.New(state.Args{ID: "old", Created: time.Now().Unix() - 3600})
	v, _ := old.ToStorageString()
	r.Set(ctx, old.ID, v)
	fresh := state.New(state.Args{ID: "fresh"})
	v, _ = fresh.ToStorageString()
	r.Set(ctx, fresh.ID, v)

	done, err := state.ClearStaleState(ctx, r, time.Minute, testLogger())
	if err != nil {
		t.Fatalf("ClearStaleState: %v", err)
	}
	<-done

	keys, _ := r.GetAllKeys(ctx)
	if len(keys) != 1 || keys[0] != "fresh" {
		t.Fatalf("unexpected keys after sweep: %v", keys)
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
