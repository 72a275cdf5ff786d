package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/appstate"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/store"
	"github.com/courierapp/courier/internal/writer"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    []string
	respond  func(attempt int, req *api.SendRequest) (*api.SendResult, error)
	attempts int
}

func (f *fakeSender) SendMessage(_ context.Context, req *api.SendRequest) (*api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.calls = append(f.calls, req.ClientRef)
	return f.respond(f.attempts, req)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testService(t *testing.T, sender Sender, clock clockwork.Clock) (*Service, *store.Store, *writer.Queue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := writer.New(st, zap.NewNop())
	t.Cleanup(func() {
		q.Close()
		st.Close()
	})
	svc := New(st, q, sender, nil, nil, zap.NewNop(), 10*time.Second, 2*time.Minute, clock)
	return svc, st, q
}

func seedPending(t *testing.T, q *writer.Queue, localID string) {
	t.Helper()
	err := q.Do(context.Background(), func(st *store.Store) error {
		return st.UpsertMessage(&store.Message{
			LocalID:          localID,
			ConversationID:   "friend@example.com",
			ConversationKind: store.KindIndividual,
			SenderID:         "me@example.com",
			Body:             "hello",
			CreatedAt:        time.Now().UnixMilli(),
		})
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}
}

func TestRetryUntilAck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(attempt int, req *api.SendRequest) (*api.SendResult, error) {
		if attempt < 3 {
			return nil, errors.New("connection refused")
		}
		return &api.SendResult{ID: "srv-99"}, nil
	}}
	svc, st, _ := testService(t, sender, clock)

	seedPending(t, svc.writer, "local-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.processPending(ctx)
		clock.Advance(guardCooldown + time.Second)
	}
	if got := sender.callCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	msgs, err := st.Messages("friend@example.com", store.KindIndividual, 10, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ServerID != "srv-99" || msgs[0].SyncStatus != store.StatusSynced {
		t.Fatalf("unexpected row after ack: %+v", msgs[0])
	}

	// Confirmed rows leave the pending set; a further pass sends nothing.
	svc.processPending(ctx)
	if got := sender.callCount(); got != 3 {
		t.Fatalf("confirmed message was re-sent, attempts = %d", got)
	}
}

func TestPermanentRejectionMarksFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(int, *api.SendRequest) (*api.SendResult, error) {
		return nil, &api.StatusError{Code: 422, Body: "body too long"}
	}}
	svc, st, _ := testService(t, sender, clock)

	seedPending(t, svc.writer, "local-1")
	svc.processPending(context.Background())

	if got := sender.callCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	msgs, err := st.Messages("friend@example.com", store.KindIndividual, 10, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if msgs[0].SyncStatus != store.StatusFailed {
		t.Fatalf("status = %q, want failed", msgs[0].SyncStatus)
	}

	// Failed rows are not retried.
	clock.Advance(guardCooldown + time.Second)
	svc.processPending(context.Background())
	if got := sender.callCount(); got != 1 {
		t.Fatalf("rejected message was re-sent, attempts = %d", got)
	}
}

func TestAmbiguousAckStaysPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(int, *api.SendRequest) (*api.SendResult, error) {
		return &api.SendResult{}, nil
	}}
	svc, st, _ := testService(t, sender, clock)

	seedPending(t, svc.writer, "local-1")
	svc.processPending(context.Background())

	pending, err := st.PendingMessages()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].SyncStatus != store.StatusPending {
		t.Fatalf("ambiguous ack changed the row: %+v", pending)
	}
}

func TestGuardBlocksBackToBackAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(int, *api.SendRequest) (*api.SendResult, error) {
		return nil, errors.New("timeout")
	}}
	svc, _, _ := testService(t, sender, clock)

	seedPending(t, svc.writer, "local-1")
	ctx := context.Background()

	svc.processPending(ctx)
	svc.processPending(ctx)
	if got := sender.callCount(); got != 1 {
		t.Fatalf("guard did not hold, attempts = %d", got)
	}

	clock.Advance(guardCooldown + time.Second)
	svc.processPending(ctx)
	if got := sender.callCount(); got != 2 {
		t.Fatalf("attempts after cooldown = %d, want 2", got)
	}
}

type fixedState bool

func (f fixedState) Foregrounded() bool { return bool(f) }

func TestBackgroundedStartUsesSlowCadence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(int, *api.SendRequest) (*api.SendResult, error) {
		return nil, errors.New("offline")
	}}

	st, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := writer.New(st, zap.NewNop())
	defer func() {
		q.Close()
		st.Close()
	}()

	svc := New(st, q, sender, nil, fixedState(false), zap.NewNop(), 10*time.Second, 2*time.Minute, clock)
	seedPending(t, q, "local-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := sender.callCount(); got != 0 {
		t.Fatalf("backgrounded start fired on foreground cadence, attempts = %d", got)
	}

	clock.Advance(2 * time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("attempts = %d, want 1", sender.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCadenceFollowsAppState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{respond: func(int, *api.SendRequest) (*api.SendResult, error) {
		return nil, errors.New("offline")
	}}

	st, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := writer.New(st, zap.NewNop())
	b := bus.New()
	defer func() {
		q.Close()
		st.Close()
	}()

	svc := New(st, q, sender, b, nil, zap.NewNop(), 10*time.Second, 2*time.Minute, clock)
	seedPending(t, q, "local-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	waitForCalls := func(want int) {
		deadline := time.Now().Add(2 * time.Second)
		for sender.callCount() < want {
			if time.Now().After(deadline) {
				t.Fatalf("attempts = %d, want %d", sender.callCount(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	clock.BlockUntil(1) // loop is on the ticker
	clock.Advance(10 * time.Second)
	waitForCalls(1)

	// Backgrounding stretches the cadence; a foreground-interval advance no
	// longer fires, a background-interval one does.
	b.Publish(bus.Event{Kind: bus.KindAppStateChanged, Payload: appstate.Change{
		From: appstate.Foreground, To: appstate.Background,
	}})
	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)
	waitForCalls(2)

	// Foregrounding runs an immediate pass once the attempt guard lapses.
	clock.Advance(guardCooldown + time.Second)
	b.Publish(bus.Event{Kind: bus.KindAppStateChanged, Payload: appstate.Change{
		From: appstate.Background, To: appstate.Foreground,
	}})
	waitForCalls(3)
}
