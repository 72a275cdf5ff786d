// Package push keeps the device push token registered with the server
// without hammering the endpoint on every foreground transition.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Registrar is the slice of the API client the verifier consumes.
type Registrar interface {
	VerifyPushToken(ctx context.Context, token string) error
}

// Verifier coalesces repeated verification requests. Within one throttle
// window the same token is sent at most once; a changed token always goes
// out immediately.
type Verifier struct {
	client   Registrar
	log      *zap.Logger
	clock    clockwork.Clock
	throttle time.Duration

	mu        sync.Mutex
	lastToken string
	lastAt    time.Time
}

// New creates a verifier. A nil clock means the real one.
func New(client Registrar, logger *zap.Logger, throttle time.Duration, clock clockwork.Clock) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{
		client:   client,
		log:      logger,
		clock:    clock,
		throttle: throttle,
	}
}

// Verify sends the token to the server unless an identical token was
// confirmed within the throttle window. Failures clear the window so the
// next call retries.
func (v *Verifier) Verify(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	v.mu.Lock()
	if token == v.lastToken && !v.lastAt.IsZero() && v.clock.Since(v.lastAt) < v.throttle {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	if err := v.client.VerifyPushToken(ctx, token); err != nil {
		v.log.Warn("push token verification failed", zap.Error(err))
		v.mu.Lock()
		v.lastAt = time.Time{}
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	v.lastToken = token
	v.lastAt = v.clock.Now()
	v.mu.Unlock()
	v.log.Debug("push token verified")
	return nil
}
