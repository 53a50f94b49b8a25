package wire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/core"
)

// State is one position in the ControlChannel's connection state
// machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOnline
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is one coalesced state transition, delivered to the Listener
// façade. Consecutive identical transitions are never emitted twice.
type Status struct {
	State     State
	LastError error
}

// maxFrameBytes bounds the accumulated size of one control message.
const maxFrameBytes = 64 * 1024

// dialTimeout bounds how long a single listen-socket dial attempt is
// allowed to take (rendezvous dials use rendezvousDialTimeout).
const dialTimeout = 20 * time.Second

// ControlChannelConfig wires a ControlChannel to its owner without
// handing over the owner itself — only narrow callbacks cross the
// boundary, breaking the Listener/ControlChannel/TokenRenewer reference
// cycle the source exhibits.
type ControlChannelConfig struct {
	// BuildListenURL returns the listen URI for the next dial attempt. It
	// is called fresh on every attempt since the tracking id embedded in
	// it may have been replaced by a service-enriched value.
	BuildListenURL func() string
	// AuthHeader returns the ServiceBusAuthorization header value for the
	// next dial attempt; called fresh so a just-renewed token is used.
	AuthHeader func(ctx context.Context) (string, error)
	// Renewals delivers freshly minted tokens; each is pushed over the
	// socket as a renewToken envelope.
	Renewals <-chan core.RenewalEvent
	// OnAccept is invoked for every accept control message. Messages are
	// dispatched in arrival order, each on its own goroutine, so OnAccept
	// may block without holding up the read loop.
	OnAccept func(AcceptPayload)
	// OnStatus is invoked on every coalesced state transition.
	OnStatus func(Status)
	Metrics  *core.Metrics
	Logger   *slog.Logger
	// Dialer defaults to websocket.DefaultDialer; overridable so tests can
	// point at an httptest.NewTLSServer with certificate checks relaxed.
	Dialer *websocket.Dialer
}

// ControlChannel maintains a single persistent WebSocket to the relay's
// listen endpoint: reconnecting with exponential backoff, dispatching
// accept messages, and pushing renewed tokens.
type ControlChannel struct {
	cfg ControlChannelConfig

	mu         sync.Mutex
	state      State
	lastError  error
	closeCh    chan struct{}
	closedOnce sync.Once
	doneCh     chan struct{}

	writeMu sync.Mutex
}

// NewControlChannel constructs a channel in the Idle state. Nothing
// happens until Run is called.
func NewControlChannel(cfg ControlChannelConfig) *ControlChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ControlChannel{
		cfg:     cfg,
		state:   StateIdle,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or Close
// is called. It blocks; callers typically run it in its own goroutine
// and wait for the first Online status (or a fatal error) separately via
// OnStatus.
func (c *ControlChannel) Run(ctx context.Context) error {
	defer close(c.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 940 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	first := true
	for {
		select {
		case <-ctx.Done():
			c.transition(StateClosed, nil)
			return ctx.Err()
		case <-c.closeCh:
			c.transition(StateClosed, nil)
			return nil
		default:
		}

		if first {
			c.transition(StateConnecting, nil)
			first = false
		}

		err := c.runOnce(ctx, bo)
		if ctx.Err() != nil {
			c.transition(StateClosed, nil)
			return ctx.Err()
		}
		select {
		case <-c.closeCh:
			c.transition(StateClosed, nil)
			return nil
		default:
		}

		var relayErr *core.Error
		if errors.As(err, &relayErr) && !relayErr.Transient() {
			c.transition(StateClosed, err)
			return err
		}

		wait := bo.NextBackOff()
		c.transition(StateReconnecting, err)
		c.cfg.Logger.Warn("control channel disconnected, reconnecting", "error", err, "delay", wait)
		select {
		case <-ctx.Done():
			c.transition(StateClosed, nil)
			return ctx.Err()
		case <-c.closeCh:
			c.transition(StateClosed, nil)
			return nil
		case <-time.After(wait):
		}
	}
}

// runOnce performs one dial-and-serve cycle; returning once the socket
// drops or a fatal error occurs. bo is reset to its minimum interval the
// moment the dial succeeds, per spec's "reset to minimum after any
// successful connect" rule — unconditionally, not just after a
// long-lived session.
func (c *ControlChannel) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	header, err := c.cfg.AuthHeader(ctx)
	if err != nil {
		return core.NewError(core.KindAuthorizationFailed, "", "acquire control channel token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	h := make(map[string][]string)
	h["ServiceBusAuthorization"] = []string{header}
	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.BuildListenURL(), h)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case 401, 403:
				return core.NewError(core.KindAuthorizationFailed, "", "control channel dial rejected: %w", err)
			case 404:
				return core.NewError(core.KindEndpointNotFound, "", "control channel endpoint not found: %w", err)
			case 429:
				return core.NewError(core.KindQuotaExceeded, "", "control channel quota exceeded: %w", err)
			}
		}
		return core.NewError(core.KindConnectionLost, "", "control channel dial failed: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	bo.Reset()
	c.transition(StateOnline, nil)

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	// Close the socket on Close or ctx cancellation so the blocking read
	// below returns instead of waiting for the peer to drop.
	go func() {
		select {
		case <-c.closeCh:
		case <-loopCtx.Done():
		}
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.cfg.Logger.Error("panic in renew loop", "panic", r)
			}
		}()
		c.renewLoop(loopCtx, conn)
	}()
	defer wg.Wait()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			loopCancel()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return core.NewError(core.KindConnectionLost, "", "control channel closed by peer: %w", err)
			}
			return core.NewError(core.KindConnectionLost, "", "control channel read failed: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		env, err := DecodeControlEnvelope(data)
		if err != nil {
			c.cfg.Logger.Warn("invalid control message", "error", err)
			continue
		}
		switch env.Discriminant() {
		case "accept":
			payload := *env.Accept
			go func() {
				defer func() {
					if r := recover(); r != nil {
						c.cfg.Logger.Error("panic handling accept", "panic", r, "id", payload.ID)
					}
				}()
				c.cfg.OnAccept(payload)
			}()
		case "injectFault":
			c.cfg.Logger.Debug("injectFault received", "delayMs", env.InjectFault.DelayMs)
		case "":
			c.cfg.Logger.Warn("unrecognized control envelope discriminant, dropping")
		default:
			c.cfg.Logger.Warn("unexpected control envelope on listen socket, dropping", "discriminant", env.Discriminant())
		}
	}
}

func (c *ControlChannel) renewLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.cfg.Renewals:
			if !ok {
				return
			}
			if ev.Err != nil {
				c.cfg.Logger.Warn("token renewal failed, control channel keeps using last token", "error", ev.Err)
				continue
			}
			data, err := EncodeRenewToken(ev.Token.Token)
			if err != nil {
				c.cfg.Logger.Error("encode renewToken envelope", "error", err)
				continue
			}
			if err := c.writeMessage(conn, websocket.TextMessage, data); err != nil {
				c.cfg.Logger.Warn("send renewToken failed", "error", err)
			} else {
				c.cfg.Logger.Debug("token renewed over control channel")
			}
		}
	}
}

// writeMessage serializes all outbound frames behind one lock, including
// renewToken sends racing the session's own lifecycle.
func (c *ControlChannel) writeMessage(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (c *ControlChannel) transition(s State, err error) {
	c.mu.Lock()
	if c.state == s && ((err == nil) == (c.lastError == nil)) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.lastError = err
	c.mu.Unlock()

	c.cfg.Metrics.SetControlState(s.String())
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(Status{State: s, LastError: err})
	}
}

// State returns the channel's current state.
func (c *ControlChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error associated with the current state, if any.
func (c *ControlChannel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Close stops the reconnect loop. Idempotent; does not block for Run to
// return — callers select on Done() for that.
func (c *ControlChannel) Close() {
	c.closedOnce.Do(func() { close(c.closeCh) })
}

// Done is closed once Run has returned.
func (c *ControlChannel) Done() <-chan struct{} { return c.doneCh }
