// Package sync reconciles the durable store against the remote API, one
// logical scope at a time: the conversation list, or a single conversation's
// first message page.
//
// Known limitation: server-side deletion is detected by diffing the first
// page only. A message deleted outside that window is reconciled once it
// ages into page one.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/cache"
	"github.com/courierapp/courier/internal/store"
	"github.com/courierapp/courier/internal/writer"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Remote is the slice of the API client the orchestrator consumes.
type Remote interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	ListMessages(ctx context.Context, kind store.ConversationKind, convID string, page, perPage int) ([]api.Message, error)
}

// The conversation list is tracked in sync_state under a reserved key that
// cannot collide with a real conversation id.
const (
	listStateID   = "_conversations"
	listStateKind = store.ConversationKind("list")
)

type syncKey struct {
	ConvID string
	Kind   store.ConversationKind
}

type flight struct {
	done chan struct{}
	err  error
}

type result struct {
	at  time.Time
	err error
}

// Orchestrator owns the pull-reconcile cycle. All store mutations go through
// the write queue; per-key single-flight plus a debounce window ensure one
// fetch serves bursts of requests for the same scope.
type Orchestrator struct {
	store  *store.Store
	writer *writer.Queue
	cache  *cache.Cache
	client Remote
	bus    *bus.Bus
	log    *zap.Logger
	clock  clockwork.Clock

	pageSize int
	debounce time.Duration

	mu       sync.Mutex
	inflight map[syncKey]*flight
	lastDone map[syncKey]result
}

// New creates an orchestrator. A nil clock means the real one.
func New(st *store.Store, q *writer.Queue, c *cache.Cache, client Remote, b *bus.Bus, logger *zap.Logger, pageSize int, debounce time.Duration, clock clockwork.Clock) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Orchestrator{
		store:    st,
		writer:   q,
		cache:    c,
		client:   client,
		bus:      b,
		log:      logger,
		clock:    clock,
		pageSize: pageSize,
		debounce: debounce,
		inflight: make(map[syncKey]*flight),
		lastDone: make(map[syncKey]result),
	}
}

// SyncMessages reconciles one conversation's first message page. Concurrent
// calls for the same (conversation, kind) observe the in-flight result;
// calls inside the debounce window observe the previous result.
func (o *Orchestrator) SyncMessages(ctx context.Context, convID string, kind store.ConversationKind) error {
	key := syncKey{ConvID: convID, Kind: kind}
	fl, started := o.begin(key)
	if !started {
		return fl.wait(ctx)
	}
	err := o.syncMessages(ctx, convID, kind)
	o.finish(key, fl, err)
	return err
}

// SyncConversations reconciles the conversation summary list and refreshes
// the fast cache. No deletion detection happens at the summary level.
func (o *Orchestrator) SyncConversations(ctx context.Context) error {
	key := syncKey{ConvID: listStateID, Kind: listStateKind}
	fl, started := o.begin(key)
	if !started {
		return fl.wait(ctx)
	}
	err := o.syncConversations(ctx)
	o.finish(key, fl, err)
	return err
}

func (fl *flight) wait(ctx context.Context) error {
	select {
	case <-fl.done:
		return fl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) begin(key syncKey) (*flight, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if fl := o.inflight[key]; fl != nil {
		return fl, false
	}
	if r, ok := o.lastDone[key]; ok && o.clock.Since(r.at) < o.debounce {
		fl := &flight{done: make(chan struct{}), err: r.err}
		close(fl.done)
		return fl, false
	}
	fl := &flight{done: make(chan struct{})}
	o.inflight[key] = fl
	return fl, true
}

func (o *Orchestrator) finish(key syncKey, fl *flight, err error) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.lastDone[key] = result{at: o.clock.Now(), err: err}
	o.mu.Unlock()
	fl.err = err
	close(fl.done)
}

func (o *Orchestrator) syncMessages(ctx context.Context, convID string, kind store.ConversationKind) error {
	o.setState(ctx, convID, kind, store.SyncStateSyncing, "")
	o.publish(bus.KindSyncStarted, syncKey{convID, kind})

	page, err := o.client.ListMessages(ctx, kind, convID, 1, o.pageSize)
	if err != nil {
		o.setState(ctx, convID, kind, store.SyncStateFailed, err.Error())
		o.publish(bus.KindSyncFailed, err.Error())
		return err
	}

	// An empty first page proves nothing beyond that page's window; it is
	// never treated as delete-everything.
	if len(page) == 0 {
		o.setState(ctx, convID, kind, store.SyncStateSynced, "")
		o.publish(bus.KindSyncCompleted, syncKey{convID, kind})
		return nil
	}

	msgs := make([]*store.Message, 0, len(page))
	fetched := make(map[string]struct{}, len(page))
	for i := range page {
		m := mapMessage(&page[i], convID, kind)
		msgs = append(msgs, m)
		fetched[m.ServerID] = struct{}{}
	}
	if err := o.writer.Do(ctx, func(s *store.Store) error {
		return s.UpsertMessages(msgs)
	}); err != nil {
		// Row-level failures degraded inside the batch; log and keep going.
		o.log.Warn("message batch had row failures", zap.Error(err))
	}
	o.publish(bus.KindMessageUpserted, convID)

	// Deletion detection: a server-confirmed local row absent from the fresh
	// page was hard-deleted remotely. Pending local-only rows have no server
	// id and are never candidates.
	refs, err := o.store.SyncedRefs(convID, kind)
	if err != nil {
		o.setState(ctx, convID, kind, store.SyncStateFailed, err.Error())
		return err
	}
	for _, ref := range refs {
		if _, ok := fetched[ref.ServerID]; ok {
			continue
		}
		localID := ref.LocalID
		if err := o.writer.Do(ctx, func(s *store.Store) error {
			return s.DeleteMessageByLocalID(localID)
		}); err != nil {
			o.log.Warn("reconciled delete failed", zap.String("local_id", localID), zap.Error(err))
			continue
		}
		o.publish(bus.KindMessageDeleted, localID)
	}

	o.setState(ctx, convID, kind, store.SyncStateSynced, "")
	o.publish(bus.KindSyncCompleted, syncKey{convID, kind})
	return nil
}

func (o *Orchestrator) syncConversations(ctx context.Context) error {
	o.setState(ctx, listStateID, listStateKind, store.SyncStateSyncing, "")
	o.publish(bus.KindSyncStarted, listStateID)

	remote, err := o.client.ListConversations(ctx)
	if err != nil {
		o.setState(ctx, listStateID, listStateKind, store.SyncStateFailed, err.Error())
		o.publish(bus.KindSyncFailed, err.Error())
		return err
	}
	if len(remote) == 0 {
		o.setState(ctx, listStateID, listStateKind, store.SyncStateSynced, "")
		o.publish(bus.KindSyncCompleted, listStateID)
		return nil
	}

	convs := make([]*store.Conversation, 0, len(remote))
	for i := range remote {
		convs = append(convs, mapConversation(&remote[i]))
	}
	if err := o.writer.Do(ctx, func(s *store.Store) error {
		return s.UpsertConversations(convs)
	}); err != nil {
		o.log.Warn("conversation batch had row failures", zap.Error(err))
	}

	o.refreshCache()
	o.setState(ctx, listStateID, listStateKind, store.SyncStateSynced, "")
	o.publish(bus.KindConversationsSaved, len(convs))
	o.publish(bus.KindSyncCompleted, listStateID)
	return nil
}

// refreshCache rewrites the fast-cache snapshots from the durable store so
// the next cold start paints without waiting on the network.
func (o *Orchestrator) refreshCache() {
	all, err := o.store.Conversations()
	if err != nil || o.cache == nil {
		return
	}
	var users, groups []store.Conversation
	for _, c := range all {
		switch c.ConversationKind {
		case store.KindGroup:
			groups = append(groups, c)
		default:
			users = append(users, c)
		}
	}
	for key, v := range map[string]any{
		cache.KeyConversations: all,
		cache.KeyUsers:         users,
		cache.KeyGroups:        groups,
	} {
		if err := o.cache.Replace(key, v); err != nil {
			o.log.Warn("cache refresh failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (o *Orchestrator) setState(ctx context.Context, convID string, kind store.ConversationKind, status store.SyncStateStatus, lastErr string) {
	err := o.writer.Do(ctx, func(s *store.Store) error {
		return s.SetSyncState(&store.SyncState{
			ConversationID:   convID,
			ConversationKind: kind,
			Status:           status,
			LastError:        lastErr,
		})
	})
	if err != nil {
		o.log.Warn("sync state update failed",
			zap.String("conversation_id", convID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(kind string, payload any) {
	if o.bus != nil {
		o.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}
