// Package outbox owns messages that failed or never left the device. It
// drains the pending set on a timer, resends idempotently, and reconciles
// device-local ids with server-assigned ones.
package outbox

import (
	"context"
	"time"

	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/appstate"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/store"
	"github.com/courierapp/courier/internal/writer"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sender is the slice of the API client the service consumes.
type Sender interface {
	SendMessage(ctx context.Context, req *api.SendRequest) (*api.SendResult, error)
}

// Foregrounder reports whether the host app is currently foregrounded. The
// app state machine satisfies it.
type Foregrounder interface {
	Foregrounded() bool
}

// guardCooldown keeps a message out of the next drain pass right after an
// attempt, so a slow response cannot race a re-send of the same row.
const guardCooldown = 5 * time.Second

// Service drains pending outbound messages on a cadence that follows the
// app's foreground state.
type Service struct {
	store  *store.Store
	writer *writer.Queue
	sender Sender
	bus    *bus.Bus
	states Foregrounder
	log    *zap.Logger
	clock  clockwork.Clock

	fgInterval time.Duration
	bgInterval time.Duration

	guard map[string]time.Time // local id -> guard expiry
	kick  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the retry service. A nil states means the loop starts on the
// foreground cadence; a nil clock means the real one.
func New(st *store.Store, q *writer.Queue, sender Sender, b *bus.Bus, states Foregrounder, logger *zap.Logger, fgInterval, bgInterval time.Duration, clock clockwork.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:      st,
		writer:     q,
		sender:     sender,
		bus:        b,
		states:     states,
		log:        logger,
		clock:      clock,
		fgInterval: fgInterval,
		bgInterval: bgInterval,
		guard:      make(map[string]time.Time),
		kick:       make(chan struct{}, 1),
	}
}

// Start begins the drain loop, on the cadence matching the app's current
// state, and subscribes to app-state changes for cadence switching.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.fgInterval
	if s.states != nil && !s.states.Foregrounded() {
		interval = s.bgInterval
	}

	var stateCh <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		stateCh, unsub = s.bus.Subscribe("app.", 16)
	}

	go func() {
		defer close(s.done)
		defer unsub()

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				s.processPending(ctx)
			case <-s.kick:
				s.processPending(ctx)
			case evt := <-stateCh:
				change, ok := evt.Payload.(appstate.Change)
				if !ok {
					continue
				}
				if change.To == appstate.Foreground {
					ticker.Reset(s.fgInterval)
					// Returning to foreground triggers an immediate pass.
					s.processPending(ctx)
				} else if change.To == appstate.Background {
					ticker.Reset(s.bgInterval)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the loop down; no pass runs after Stop returns.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Kick requests an immediate pass without waiting for the ticker.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// processPending runs one drain pass. The pass runs on the loop goroutine,
// so the guard map needs no lock.
func (s *Service) processPending(ctx context.Context) {
	pending, err := s.store.PendingMessages()
	if err != nil {
		s.log.Error("failed to read pending messages", zap.Error(err))
		return
	}

	now := s.clock.Now()
	for id, expiry := range s.guard {
		if now.After(expiry) {
			delete(s.guard, id)
		}
	}

	for i := range pending {
		m := &pending[i]
		if _, held := s.guard[m.LocalID]; held {
			continue
		}
		s.guard[m.LocalID] = now.Add(guardCooldown)
		s.attempt(ctx, m)
	}
}

func (s *Service) attempt(ctx context.Context, m *store.Message) {
	res, err := s.sender.SendMessage(ctx, buildRequest(m))
	switch {
	case err == nil && res.ID != "":
		// Confirmed: the server id becomes the dedup key for all future
		// reconciliation of this message.
		if werr := s.writer.Do(ctx, func(st *store.Store) error {
			return st.UpdateMessageStatus(m.LocalID, res.ID, store.StatusSynced)
		}); werr != nil {
			s.log.Error("failed to record send ack", zap.String("local_id", m.LocalID), zap.Error(werr))
			return
		}
		s.log.Info("message sent",
			zap.String("local_id", m.LocalID),
			zap.String("server_id", res.ID))
		s.publish(bus.KindSendAck, map[string]string{
			"local_id":  m.LocalID,
			"server_id": res.ID,
		})

	case err == nil:
		// 2xx without an id: the server may have received it. Leave the row
		// pending; the next list sync discovers the confirmed copy and
		// supersedes this one.
		s.log.Warn("send accepted without id, leaving pending",
			zap.String("local_id", m.LocalID))

	case api.IsPermanent(err):
		if werr := s.writer.Do(ctx, func(st *store.Store) error {
			return st.UpdateMessageStatus(m.LocalID, "", store.StatusFailed)
		}); werr != nil {
			s.log.Error("failed to record permanent failure", zap.String("local_id", m.LocalID), zap.Error(werr))
			return
		}
		s.log.Warn("message rejected",
			zap.String("local_id", m.LocalID), zap.Error(err))
		s.publish(bus.KindSendFailed, map[string]string{
			"local_id": m.LocalID,
			"error":    err.Error(),
		})

	default:
		// Network, timeout, 5xx: retried on the next cycle.
		s.log.Info("send attempt failed, will retry",
			zap.String("local_id", m.LocalID), zap.Error(err))
	}
}

// buildRequest reconstructs the wire payload for a pending message.
// Attachments that already carry a remote URL are referenced rather than
// re-uploaded; the rest ride as files from their local paths.
func buildRequest(m *store.Message) *api.SendRequest {
	req := &api.SendRequest{
		ClientRef:      m.LocalID,
		ConversationID: m.ConversationID,
		Kind:           m.ConversationKind,
		Body:           m.Body,
	}
	for _, a := range m.Attachments {
		req.Attachments = append(req.Attachments, api.SendAttachment{
			Name:      a.Name,
			MIME:      a.MIME,
			LocalPath: a.LocalPath,
			URL:       a.URL,
		})
	}
	return req
}

func (s *Service) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}
