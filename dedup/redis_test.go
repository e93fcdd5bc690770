package dedup

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bactrack/config"
)

// TestDeduper_Integration needs a live Redis at REDIS_ADDR.
func TestDeduper_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is empty; set it to a live Redis to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := NewClient(config.RedisConfig{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	d := New(rdb, time.Minute, nil)
	id := fmt.Sprintf("itest-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), keyPrefix+id) })

	if !d.Acquire(ctx, id) {
		t.Fatal("first acquire must succeed")
	}
	if d.Acquire(ctx, id) {
		t.Fatal("second acquire must report a duplicate")
	}
	d.Release(ctx, id)
	if !d.Acquire(ctx, id) {
		t.Fatal("acquire after release must succeed")
	}
}

func TestDeduper_FailsOpen(t *testing.T) {
	// nothing listens on this port
	rdb := NewClient(config.RedisConfig{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	core, logs := observer.New(zap.WarnLevel)
	d := New(rdb, time.Minute, zap.New(core))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !d.Acquire(ctx, "m1") {
		t.Fatal("an unreachable redis must not block publishing")
	}
	if logs.FilterMessage("dedup check failed, publishing anyway").Len() != 1 {
		t.Fatalf("expected a warning, got %d entries", logs.Len())
	}
}
