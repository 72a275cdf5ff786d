// Package unread maintains the per-conversation unread counts and the
// app-wide badge total derived from them.
package unread

import (
	"context"
	"sync"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/store"
	"go.uber.org/zap"
)

// BadgeSink receives the app-wide total whenever it changes. The desktop
// shell points this at the dock/taskbar badge.
type BadgeSink interface {
	SetBadge(total int)
}

// Aggregator keeps unread counts in memory and recomputes them from the
// store when conversation or message rows change.
type Aggregator struct {
	store *store.Store
	bus   *bus.Bus
	sink  BadgeSink
	log   *zap.Logger

	mu     sync.Mutex
	counts map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st *store.Store, b *bus.Bus, sink BadgeSink, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  st,
		bus:    b,
		sink:   sink,
		log:    logger,
		counts: make(map[string]int),
	}
}

// Set records the unread count for one conversation. A zero count clears
// the entry.
func (a *Aggregator) Set(convID string, kind store.ConversationKind, count int) {
	a.mu.Lock()
	key := store.UnreadKey(convID, kind)
	if count <= 0 {
		delete(a.counts, key)
	} else {
		a.counts[key] = count
	}
	total := a.totalLocked()
	a.mu.Unlock()
	a.emit(total)
}

// Reset clears the count for one conversation, typically when the user
// opens it.
func (a *Aggregator) Reset(convID string, kind store.ConversationKind) {
	a.Set(convID, kind, 0)
}

// Count returns the unread count for one conversation.
func (a *Aggregator) Count(convID string, kind store.ConversationKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[store.UnreadKey(convID, kind)]
}

// Total returns the sum across all conversations.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalLocked()
}

func (a *Aggregator) totalLocked() int {
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

// Refresh replaces the in-memory counts with the store's current rows.
func (a *Aggregator) Refresh() error {
	counts, err := a.store.UnreadCounts()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.counts = counts
	total := a.totalLocked()
	a.mu.Unlock()
	a.emit(total)
	return nil
}

// Start loads the initial counts and refreshes them whenever the store
// reports changed rows.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	if err := a.Refresh(); err != nil {
		a.log.Warn("failed to load unread counts", zap.Error(err))
	}

	var events <-chan bus.Event
	unsub := func() {}
	if a.bus != nil {
		events, unsub = a.bus.Subscribe("store.", 32)
	}

	go func() {
		defer close(a.done)
		defer unsub()
		for {
			select {
			case <-events:
				if err := a.Refresh(); err != nil {
					a.log.Warn("failed to refresh unread counts", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

func (a *Aggregator) emit(total int) {
	if a.sink != nil {
		a.sink.SetBadge(total)
	}
	if a.bus != nil {
		a.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Payload: total})
	}
}
