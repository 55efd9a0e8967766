package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gymflow/occupancy/internal/model"
)

func newTestCache(t *testing.T) (*CapacityCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCapacityCache(client, time.Minute), server
}

func TestCapacityCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, server := newTestCache(t)

	if _, ok, err := c.Get(ctx, "gym-1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	want := model.Capacity{GymID: "gym-1", GymName: "Centro", Current: 3, Max: 10, Available: 7, Percentage: 30}
	if err := c.Set(ctx, want, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "gym-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("unexpected capacity %+v", got)
	}

	if err := c.Invalidate(ctx, "gym-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "gym-1"); ok {
		t.Fatalf("expected miss after invalidate")
	}

	generation, err := c.Generation(ctx, "gym-1")
	if err != nil || generation != 1 {
		t.Fatalf("expected generation 1, got %d err=%v", generation, err)
	}
	if err := c.Set(ctx, want, generation); err != nil {
		t.Fatalf("set: %v", err)
	}
	server.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "gym-1"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, server := newTestCache(t)
	if err := server.Set(capacityKey("gym-2"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := c.Get(context.Background(), "gym-2"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if server.Exists(capacityKey("gym-2")) {
		t.Fatalf("expected corrupt entry to be deleted")
	}
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *CapacityCache
	if _, ok, err := c.Get(context.Background(), "gym"); ok || err != nil {
		t.Fatalf("expected silent miss")
	}
	if err := c.Invalidate(context.Background(), "gym"); err != nil {
		t.Fatalf("expected nil error")
	}
	if err := c.Set(context.Background(), model.Capacity{GymID: "gym"}, 0); err != nil {
		t.Fatalf("expected nil error")
	}
}

func TestSnapshotOlderThanInvalidateIsNotStored(t *testing.T) {
	ctx := context.Background()
	c, server := newTestCache(t)

	// A reader takes the generation and counts 3 sessions.
	generation, err := c.Generation(ctx, "gym-3")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	stale := model.Capacity{GymID: "gym-3", Current: 3, Max: 10, Available: 7, Percentage: 30}

	// A writer commits a fourth check-in and invalidates before the reader stores its count.
	if err := c.Invalidate(ctx, "gym-3"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := c.Set(ctx, stale, generation); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "gym-3"); ok {
		t.Fatalf("expected the pre-invalidation count to be refused")
	}
	if server.Exists(capacityKey("gym-3")) {
		t.Fatalf("expected no snapshot key")
	}

	fresh := model.Capacity{GymID: "gym-3", Current: 4, Max: 10, Available: 6, Percentage: 40}
	current, err := c.Generation(ctx, "gym-3")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if err := c.Set(ctx, fresh, current); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "gym-3")
	if err != nil || !ok || got != fresh {
		t.Fatalf("expected fresh snapshot, got %+v ok=%v err=%v", got, ok, err)
	}
}
