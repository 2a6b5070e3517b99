package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&ProcessedMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tracker := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Config: config.Config{
			Sweep: config.SweepConfig{StalenessThreshold: time.Hour},
		},
	})
	return tracker, fake
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "1-0", "credit.allocated", "evt-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatalf("first claim must win")
	}

	claimed, err = tracker.MarkProcessing(ctx, "credit-events", "g1", "1-0", "credit.allocated", "evt-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("live claim must not be stolen")
	}
}

func TestMarkProcessingConcurrentSingleWinner(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "5-0", "credit.consumed", "evt-5")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestCompletedMessageStaysProcessed(t *testing.T) {
	tracker, fake := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "2-0", "credit.allocated", "evt-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tracker.MarkCompleted(ctx, "credit-events", "g1", "2-0"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := tracker.CheckAlreadyProcessed(ctx, "credit-events", "g1", "2-0")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !done {
		t.Fatalf("completed message must report processed")
	}

	// Even long after, completion is terminal.
	fake.Advance(48 * time.Hour)
	claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "2-0", "credit.allocated", "evt-2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claimed {
		t.Fatalf("completed message must never be reclaimed")
	}
}

func TestFailedMessageCanBeRetried(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "3-0", "credit.consumed", "evt-3"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tracker.MarkFailed(ctx, "credit-events", "g1", "3-0", "insufficient_credits"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	done, err := tracker.CheckAlreadyProcessed(ctx, "credit-events", "g1", "3-0")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if done {
		t.Fatalf("failed message must be retryable")
	}

	claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "3-0", "credit.consumed", "evt-3")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claimed {
		t.Fatalf("failed message must be claimable again")
	}
}

func TestStaleProcessingClaimIsStolen(t *testing.T) {
	tracker, fake := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "4-0", "credit.allocated", "evt-4"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fake.Advance(30 * time.Minute)
	claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "4-0", "credit.allocated", "evt-4")
	if err != nil {
		t.Fatalf("early steal: %v", err)
	}
	if claimed {
		t.Fatalf("claim within staleness threshold must hold")
	}

	fake.Advance(time.Hour)
	claimed, err = tracker.MarkProcessing(ctx, "credit-events", "g1", "4-0", "credit.allocated", "evt-4")
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if !claimed {
		t.Fatalf("stale claim must be stolen")
	}
}

func TestCleanupStaleReclassifiesClaims(t *testing.T) {
	tracker, fake := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "6-0", "credit.allocated", "evt-6"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "7-0", "credit.allocated", "evt-7"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tracker.MarkCompleted(ctx, "credit-events", "g1", "7-0"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	fake.Advance(2 * time.Hour)
	swept, err := tracker.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept claim, got %d", swept)
	}

	// The swept message is failed now and retryable.
	claimed, err := tracker.MarkProcessing(ctx, "credit-events", "g1", "6-0", "credit.allocated", "evt-6")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claimed {
		t.Fatalf("swept claim must be retryable")
	}
}
