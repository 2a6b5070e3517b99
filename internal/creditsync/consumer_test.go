package creditsync

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
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditledger/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditledger/internal/credit/service"
	"github.com/smallbiznis/creditledger/internal/stream"
	"github.com/smallbiznis/creditledger/internal/tracker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeStream is an in-memory Stream for consumer tests. Messages are enqueued
// by tests; Ack and dead-letter publishes are recorded for assertions.
type fakeStream struct {
	mu        sync.Mutex
	queue     []stream.Message
	backlog   []stream.Message
	acked     []string
	published map[string][]map[string]string
	groups    []stream.GroupInfo
	pending   []stream.PendingEntry
	nextID    int
}

func newFakeStream() *fakeStream {
	return &fakeStream{published: make(map[string][]map[string]string)}
}

func (f *fakeStream) enqueue(values map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%d-0", f.nextID)
	f.queue = append(f.queue, stream.Message{ID: id, Values: values})
	return id
}

func (f *fakeStream) Publish(ctx context.Context, name string, values map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.published[name] = append(f.published[name], values)
	return fmt.Sprintf("%d-0", f.nextID), nil
}

func (f *fakeStream) EnsureGroup(ctx context.Context, name, group, start string) error { return nil }

func (f *fakeStream) ReadGroup(ctx context.Context, name, group, consumer string, count int64, block time.Duration) ([]stream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(count)
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

// ReadBacklog keeps entries until they are acked, like the pending entries
// list it stands in for.
func (f *fakeStream) ReadBacklog(ctx context.Context, name, group, consumer string, count int64) ([]stream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acked := make(map[string]bool, len(f.acked))
	for _, id := range f.acked {
		acked[id] = true
	}
	var out []stream.Message
	for _, msg := range f.backlog {
		if acked[msg.ID] {
			continue
		}
		out = append(out, msg)
		if int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

func (f *fakeStream) Ack(ctx context.Context, name, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeStream) Len(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queue)), nil
}

func (f *fakeStream) Groups(ctx context.Context, name string) ([]stream.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups, nil
}

func (f *fakeStream) Pending(ctx context.Context, name, group string) (*stream.PendingSummary, error) {
	return &stream.PendingSummary{}, nil
}

func (f *fakeStream) PendingEntries(ctx context.Context, name, group string, count int64) ([]stream.PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(count)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	return f.pending[:n], nil
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type consumerEnv struct {
	consumer *Consumer
	stream   *fakeStream
	credits  creditdomain.Service
	db       *gorm.DB
}

func newConsumerEnv(t *testing.T, deadLetter string) *consumerEnv {
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

	if err := db.AutoMigrate(&creditdomain.CreditAccount{}, &creditdomain.CreditTransaction{}, &tracker.ProcessedMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		AppName: "creditledger",
		Sync: config.SyncConfig{
			Stream:           "credit-events",
			ConsumerGroup:    "crm-credit-sync",
			ConsumerName:     "c1",
			BatchSize:        10,
			BlockTimeout:     10 * time.Millisecond,
			DeadLetterStream: deadLetter,
		},
		Ledger: config.LedgerConfig{MaxAttempts: 5, BackoffBase: time.Millisecond},
		Sweep:  config.SweepConfig{StalenessThreshold: time.Hour},
	}

	repo := creditrepo.New(db)
	credits := creditservice.NewService(creditservice.Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Repo:   repo,
		Config: cfg,
	})
	track := tracker.New(tracker.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
	})
	fs := newFakeStream()
	consumer := NewConsumer(ConsumerParams{
		Log:     zap.NewNop(),
		Stream:  fs,
		Tracker: track,
		Credits: credits,
		Config:  cfg,
	})
	return &consumerEnv{consumer: consumer, stream: fs, credits: credits, db: db}
}

func allocationFields(t *testing.T, eventID string, amount int64) map[string]string {
	t.Helper()
	fields, err := Envelope{
		EventID:   eventID,
		EventType: EventTypeCreditAllocated,
		TenantID:  "t1",
		EntityID:  "e1",
		Amount:    amount,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Source:    "wrapper-svc",
	}.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	return fields
}

func (e *consumerEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	messages, err := e.stream.ReadGroup(ctx, "credit-events", "crm-credit-sync", "c1", 100, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	e.consumer.processBatch(ctx, messages)
}

func TestConsumerAppliesAllocation(t *testing.T) {
	env := newConsumerEnv(t, "")
	id := env.stream.enqueue(allocationFields(t, "evt-1", 4200))

	env.drain(t)

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.AllocatedCredits != 4200 {
		t.Fatalf("allocation not applied: %+v", balance)
	}
	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("message not acked: %v", acked)
	}
}

func TestConsumerDuplicateDeliveryAppliesOnce(t *testing.T) {
	env := newConsumerEnv(t, "")
	fields := allocationFields(t, "evt-1", 4200)
	id := env.stream.enqueue(fields)
	env.drain(t)

	// Redelivery of the same stream message after a missing ack.
	env.stream.mu.Lock()
	env.stream.queue = append(env.stream.queue, stream.Message{ID: id, Values: fields})
	env.stream.mu.Unlock()
	env.drain(t)

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.AllocatedCredits != 4200 {
		t.Fatalf("duplicate delivery applied twice: %+v", balance)
	}
	if acked := env.stream.ackedIDs(); len(acked) != 2 {
		t.Fatalf("both deliveries must be acked, got %v", acked)
	}
}

func TestConsumerRepublishedEventAppliesOnce(t *testing.T) {
	env := newConsumerEnv(t, "")
	// Same logical event on two distinct stream messages (producer retry).
	env.stream.enqueue(allocationFields(t, "evt-1", 4200))
	env.stream.enqueue(allocationFields(t, "evt-1", 4200))

	env.drain(t)

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.AllocatedCredits != 4200 {
		t.Fatalf("republished event applied twice: %+v", balance)
	}
}

func TestConsumerAppliesConsumption(t *testing.T) {
	env := newConsumerEnv(t, "")
	ctx := context.Background()

	if _, err := env.credits.AllocateCredits(ctx, creditdomain.AllocateRequest{
		TenantID: "t1", EntityID: "e1", Amount: 5000,
	}); err != nil {
		t.Fatalf("seed allocate: %v", err)
	}

	fields, err := Envelope{
		EventID:   "evt-2",
		EventType: EventTypeCreditConsumed,
		TenantID:  "t1",
		EntityID:  "e1",
		Amount:    1200,
		Timestamp: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
		Source:    "wrapper-svc",
		Metadata:  map[string]string{"operation_type": "api_call", "operation_id": "op-1"},
	}.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	env.stream.enqueue(fields)
	env.drain(t)

	balance, err := env.credits.GetBalance(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.UsedCredits != 1200 || balance.AvailableCredits != 3800 {
		t.Fatalf("consumption not applied: %+v", balance)
	}
}

func TestConsumerSkipsUnknownEventType(t *testing.T) {
	env := newConsumerEnv(t, "")
	fields := map[string]string{
		"event_id":   "evt-9",
		"event_type": "credit.rebalanced",
		"tenant_id":  "t1",
		"entity_id":  "e1",
		"amount":     "100",
		"source":     "wrapper-svc",
	}
	id := env.stream.enqueue(fields)
	env.drain(t)

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Exists {
		t.Fatalf("unknown event must not touch the ledger: %+v", balance)
	}
	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("unknown event must still be acked: %v", acked)
	}
}

func TestConsumerAcksMalformedMessage(t *testing.T) {
	env := newConsumerEnv(t, "")
	id := env.stream.enqueue(map[string]string{"garbage": "yes"})
	env.drain(t)

	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("malformed message must be acked: %v", acked)
	}
}

func TestConsumerFailureMarksFailedAndDeadLetters(t *testing.T) {
	env := newConsumerEnv(t, "credit-events-dlq")

	// Consumption against a missing account fails terminally.
	fields, err := Envelope{
		EventID:   "evt-3",
		EventType: EventTypeCreditConsumed,
		TenantID:  "t1",
		EntityID:  "ghost",
		Amount:    500,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Source:    "wrapper-svc",
	}.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	id := env.stream.enqueue(fields)
	env.drain(t)

	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("failed message must be acked: %v", acked)
	}

	env.stream.mu.Lock()
	dlq := env.stream.published["credit-events-dlq"]
	env.stream.mu.Unlock()
	if len(dlq) != 1 {
		t.Fatalf("expected dead letter copy, got %d", len(dlq))
	}
	if dlq[0]["origin_message_id"] != id {
		t.Fatalf("dead letter copy missing origin id: %+v", dlq[0])
	}

	var record tracker.ProcessedMessage
	if err := env.db.Where("message_id = ?", id).First(&record).Error; err != nil {
		t.Fatalf("load tracker record: %v", err)
	}
	if record.Status != tracker.StatusFailed {
		t.Fatalf("expected failed tracker record, got %s", record.Status)
	}
}

func TestConsumerRecoversBacklogOnStartup(t *testing.T) {
	env := newConsumerEnv(t, "")

	// A delivery from a previous run that was processed but never acked.
	env.stream.mu.Lock()
	env.stream.nextID++
	id := fmt.Sprintf("%d-0", env.stream.nextID)
	env.stream.backlog = append(env.stream.backlog, stream.Message{ID: id, Values: allocationFields(t, "evt-1", 4200)})
	env.stream.mu.Unlock()

	env.consumer.recoverBacklog(context.Background())

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.AllocatedCredits != 4200 {
		t.Fatalf("backlog message not applied: %+v", balance)
	}
	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("backlog message not acked: %v", acked)
	}
}

func TestConsumerBacklogRecoveryStopsWhenClaimsFail(t *testing.T) {
	env := newConsumerEnv(t, "")

	env.stream.mu.Lock()
	env.stream.nextID++
	id := fmt.Sprintf("%d-0", env.stream.nextID)
	env.stream.backlog = append(env.stream.backlog, stream.Message{ID: id, Values: allocationFields(t, "evt-1", 4200)})
	env.stream.mu.Unlock()

	// With the database down no claim can be recorded, so the entry stays
	// pending and keeps coming back from the backlog read.
	sqlDB, err := env.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	_ = sqlDB.Close()

	done := make(chan struct{})
	go func() {
		env.consumer.recoverBacklog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("backlog recovery spun on an unclaimable message")
	}

	if acked := env.stream.ackedIDs(); len(acked) != 0 {
		t.Fatalf("unclaimable message must stay pending, got acks %v", acked)
	}
}

func TestConsumerSkipsOwnEvents(t *testing.T) {
	env := newConsumerEnv(t, "")
	fields, err := Envelope{
		EventID:   "evt-4",
		EventType: EventTypeCreditAllocated,
		TenantID:  "t1",
		EntityID:  "e1",
		Amount:    999,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Source:    "creditledger",
	}.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	id := env.stream.enqueue(fields)
	env.drain(t)

	balance, err := env.credits.GetBalance(context.Background(), "t1", "e1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Exists {
		t.Fatalf("own event must not be re-applied: %+v", balance)
	}
	if acked := env.stream.ackedIDs(); len(acked) != 1 || acked[0] != id {
		t.Fatalf("own event must be acked: %v", acked)
	}
}
