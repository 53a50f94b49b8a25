package wire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/core"
)

// PreDialDelay is the pause before dialing a rendezvous socket, carried
// over from the source implementation as a documented (if now dubious)
// mitigation for NIC ARP-cache staleness on long-idle listeners. Left as
// a tunable rather than removed, pending confirmation it's still needed
// on modern stacks.
var PreDialDelay = 2 * time.Millisecond

// rendezvousDialTimeout bounds how long opening one rendezvous socket may
// take end-to-end.
const rendezvousDialTimeout = 20 * time.Second

// AcceptorConfig wires an Acceptor to its owner.
type AcceptorConfig struct {
	// StreamHandler receives a raw rendezvous stream (no RequestInfo).
	StreamHandler func(stream Stream, tracking *core.TrackingContext)
	// HTTPHandler receives an HTTP-mode rendezvous socket.
	HTTPHandler func(conn *websocket.Conn, info *RequestInfo, tracking *core.TrackingContext)
	// EndpointPath is the listener's subsystem path, used as every
	// rendezvous TrackingContext's SubsystemId.
	EndpointPath string
	Metrics      *core.Metrics
	Logger       *slog.Logger
	// Dialer defaults to websocket.DefaultDialer; overridable for tests.
	Dialer *websocket.Dialer
}

// Acceptor opens one outbound rendezvous WebSocket per accept control
// message, enforcing the duplicate-id and closed-listener rejection
// rules and dispatching to stream or HTTP mode.
type Acceptor struct {
	cfg AcceptorConfig

	mu     sync.Mutex
	active map[string]*core.TrackingContext
	closed bool
}

// NewAcceptor constructs an open Acceptor.
func NewAcceptor(cfg AcceptorConfig) *Acceptor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Acceptor{cfg: cfg, active: make(map[string]*core.TrackingContext)}
}

// Accept processes one "accept" control message. It is safe to call
// concurrently for distinct ids; the caller (ControlChannel) dispatches
// each message on its own goroutine, so this runs fire-and-forget.
func (a *Acceptor) Accept(payload AcceptPayload) {
	defer func() {
		if r := recover(); r != nil {
			a.cfg.Logger.Error("panic accepting rendezvous", "panic", r, "id", payload.ID)
		}
	}()

	tracking := a.register(payload.ID)
	if tracking == nil {
		a.cfg.Logger.Warn("duplicate or post-close accept, dropping", "id", payload.ID)
		a.cfg.Metrics.FailedRendezvous()
		return
	}
	succeeded := false
	defer func() {
		a.unregister(payload.ID)
		if succeeded {
			a.cfg.Metrics.AcceptedRendezvous()
		} else {
			a.cfg.Metrics.FailedRendezvous()
		}
	}()

	time.Sleep(PreDialDelay)

	ctx, cancel := context.WithTimeout(context.Background(), rendezvousDialTimeout)
	defer cancel()

	conn, _, err := a.cfg.Dialer.DialContext(ctx, payload.Address, nil)
	if err != nil {
		a.cfg.Logger.Warn("rendezvous dial failed", "id", payload.ID, "error", err)
		return
	}

	if payload.RequestInfo == nil {
		a.cfg.StreamHandler(newWSStream(conn), tracking)
		succeeded = true
		return
	}
	a.cfg.HTTPHandler(conn, payload.RequestInfo, tracking)
	succeeded = true
}

// register adds id to the active map before the socket is opened, to
// close the race window against a second accept bearing the same id.
// Returns nil if id is already active or the acceptor is closed.
func (a *Acceptor) register(id string) *core.TrackingContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if _, dup := a.active[id]; dup {
		return nil
	}
	tc := core.NewTrackingContextWithID(a.cfg.EndpointPath, id)
	a.active[id] = tc
	a.cfg.Metrics.RendezvousDelta(1)
	return tc
}

func (a *Acceptor) unregister(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; ok {
		delete(a.active, id)
		a.cfg.Metrics.RendezvousDelta(-1)
	}
}

// Close marks the acceptor closed: no further accepts register, so any
// in-flight or future accept with a fresh id is rejected. It does not
// itself close active rendezvous sockets — the listener owns that via
// the stream/HTTP handlers it installed.
func (a *Acceptor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// ActiveCount returns the number of rendezvous currently registered.
func (a *Acceptor) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}
