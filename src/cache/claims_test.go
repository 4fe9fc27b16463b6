package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClaims(t *testing.T) (*DepositClaims, *clock.FakeClock, *redis.Client) {
	mr := miniredis.RunT(t)
	rd := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rd.Close() })
	fc := clock.Fake(epoch)
	return NewDepositClaims(rd, fc), fc, rd
}

func TestClaimOnce(t *testing.T) {
	ctx := context.Background()
	dc, _, _ := newTestClaims(t)

	first, err := dc.Claim(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first claim should succeed")
	}
	second, err := dc.Claim(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("second claim of the same id should fail")
	}
	other, err := dc.Claim(ctx, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if !other {
		t.Fatal("claim of a different id should succeed")
	}
}

func TestReleaseAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	dc, _, _ := newTestClaims(t)

	if _, err := dc.Claim(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := dc.Release(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	again, err := dc.Claim(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !again {
		t.Fatal("released id should be claimable again")
	}
}

func TestPruneOlderThan(t *testing.T) {
	ctx := context.Background()
	dc, fc, _ := newTestClaims(t)

	if _, err := dc.Claim(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	fc.Advance(2 * time.Hour)
	if _, err := dc.Claim(ctx, "new"); err != nil {
		t.Fatal(err)
	}

	removed, err := dc.PruneOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned claim, got %d", removed)
	}
	if ok, _ := dc.set.Contains(ctx, "old"); ok {
		t.Fatal("old claim should have been pruned")
	}
	if ok, _ := dc.set.Contains(ctx, "new"); !ok {
		t.Fatal("recent claim should survive pruning")
	}
}

func TestClaimPrunerStopsOnCancel(t *testing.T) {
	dc, fc, _ := newTestClaims(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- StartClaimPruner(ctx, dc, time.Minute, time.Hour, zap.NewNop())
	}()
	fc.WaitForTimers(1)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
