package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MinRefreshInterval is the floor below which the TokenRenewer never
// schedules a refresh, even if the token claims to expire sooner.
const MinRefreshInterval = 4 * time.Minute

// RenewalEvent is delivered on a TokenRenewer's Events channel whenever a
// token is (re)minted, successfully or not.
type RenewalEvent struct {
	Token SecurityToken
	Err   error // non-nil only for a token-renew-exception event
}

// TokenRenewer schedules periodic token refresh for a long-lived consumer
// (the ControlChannel) and emits every refresh as an event rather than
// handing back a blocking call per fetch.
type TokenRenewer struct {
	provider TokenProvider
	audience string
	validFor time.Duration
	logger   *slog.Logger

	events chan RenewalEvent

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewTokenRenewer binds a renewer to {provider, audience, validFor}. The
// returned renewer does not start refreshing until Start is called.
func NewTokenRenewer(provider TokenProvider, audience string, validFor time.Duration, logger *slog.Logger) *TokenRenewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRenewer{
		provider: provider,
		audience: audience,
		validFor: validFor,
		logger:   logger,
		events:   make(chan RenewalEvent, 4),
	}
}

// Events returns the channel on which renewed/failed tokens are delivered.
func (r *TokenRenewer) Events() <-chan RenewalEvent { return r.events }

// Start performs the first token acquisition synchronously and arms the
// refresh timer. It must be called at most once.
func (r *TokenRenewer) Start(ctx context.Context) (SecurityToken, error) {
	tok, err := r.refreshOnce(ctx)
	if err != nil {
		return SecurityToken{}, err
	}
	return tok, nil
}

func (r *TokenRenewer) refreshOnce(ctx context.Context) (SecurityToken, error) {
	tok, err := r.provider.GetToken(ctx, r.audience, r.validFor)
	if err != nil {
		r.emit(RenewalEvent{Err: err})
		r.scheduleNext(MinRefreshInterval)
		return SecurityToken{}, err
	}
	r.emit(RenewalEvent{Token: tok})
	interval := time.Until(tok.Expiry)
	if interval < MinRefreshInterval {
		interval = MinRefreshInterval
	}
	r.scheduleNext(interval)
	return tok, nil
}

func (r *TokenRenewer) scheduleNext(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() {
		if _, err := r.refreshOnce(context.Background()); err != nil {
			r.logger.Warn("token renewal failed", "error", err)
		}
	})
}

func (r *TokenRenewer) emit(ev RenewalEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("token renewer event channel full, dropping event")
	}
}

// Close cancels the pending refresh timer. Idempotent.
func (r *TokenRenewer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
