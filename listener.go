package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hcrelay/hcrelay/core"
	"github.com/hcrelay/hcrelay/wire"
)

// defaultTokenValidFor is how long each minted control-channel token is
// asked to remain valid; the TokenRenewer schedules its next refresh for
// the token's expiry, but never sooner than core.MinRefreshInterval.
const defaultTokenValidFor = 20 * time.Minute

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Endpoint      Endpoint
	TokenProvider core.TokenProvider
	TokenValidFor time.Duration // 0 = defaultTokenValidFor
	Logger        *slog.Logger
	// Registerer, if non-nil, causes the listener to publish Prometheus
	// metrics under it. Telemetry sinks are optional external collaborators.
	Registerer prometheus.Registerer
	// Dialer defaults to websocket.DefaultDialer; overridable for tests.
	Dialer *websocket.Dialer
}

// Status is the coalesced connection-state event delivered by
// Listener.Statuses.
type Status = wire.Status

// Listener is the public façade: open, acceptNextStream, close,
// setRequestHandler, and a status event stream.
type Listener struct {
	cfg     ListenerConfig
	logger  *slog.Logger
	metrics *core.Metrics

	tracking *core.TrackingContext
	renewer  *core.TokenRenewer
	cc       *wire.ControlChannel
	acceptor *wire.Acceptor
	queue    *wire.AcceptQueue

	statuses chan Status
	lastSent Status
	lastSet  bool

	mu         sync.Mutex
	openCalled bool
	closeCalled bool
	online     bool
	lastError  error

	handlerMu   sync.Mutex
	handler     wire.Handler
	onOpenWatch func(Status)

	runDone chan error
}

// NewListener constructs a Listener bound to cfg. Open must be called
// before any rendezvous can be accepted.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenValidFor == 0 {
		cfg.TokenValidFor = defaultTokenValidFor
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	var metrics *core.Metrics
	if cfg.Registerer != nil {
		metrics = core.NewMetrics(cfg.Registerer, cfg.Endpoint.Path)
	}

	l := &Listener{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		tracking: core.NewTrackingContext(cfg.Endpoint.Path),
		queue:    wire.NewAcceptQueue(),
		statuses: make(chan Status, 8),
		runDone:  make(chan error, 1),
	}

	l.renewer = core.NewTokenRenewer(cfg.TokenProvider, cfg.Endpoint.AudienceURI(), cfg.TokenValidFor, cfg.Logger)

	l.acceptor = wire.NewAcceptor(wire.AcceptorConfig{
		StreamHandler: l.handleStream,
		HTTPHandler:   l.handleHTTP,
		EndpointPath:  cfg.Endpoint.Path,
		Metrics:       metrics,
		Logger:        cfg.Logger,
		Dialer:        cfg.Dialer,
	})

	l.cc = wire.NewControlChannel(wire.ControlChannelConfig{
		BuildListenURL: func() string { return cfg.Endpoint.ListenURI(l.tracking.TrackingID()) },
		AuthHeader: func(ctx context.Context) (string, error) {
			tok, err := cfg.TokenProvider.GetToken(ctx, cfg.Endpoint.AudienceURI(), cfg.TokenValidFor)
			if err != nil {
				return "", err
			}
			return tok.Token, nil
		},
		Renewals: l.renewer.Events(),
		OnAccept: l.acceptor.Accept,
		OnStatus: l.onStatus,
		Metrics:  metrics,
		Logger:   cfg.Logger,
		Dialer:   cfg.Dialer,
	})

	return l
}

// Open resolves once the control socket has connected for the first
// time. It may be called at most once; a second call fails.
func (l *Listener) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.openCalled {
		l.mu.Unlock()
		return core.NewError(core.KindValidation, l.tracking.String(), "Open called more than once")
	}
	l.openCalled = true
	l.mu.Unlock()

	if _, err := l.renewer.Start(ctx); err != nil {
		return err
	}

	online := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once

	unsub := l.watchFirstTransition(func(s Status) {
		switch s.State {
		case wire.StateOnline:
			once.Do(func() { close(online) })
		case wire.StateClosed:
			if s.LastError != nil {
				once.Do(func() { failed <- s.LastError })
			}
		}
	})
	defer unsub()

	go func() {
		l.runDone <- l.cc.Run(context.Background())
	}()

	select {
	case <-online:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchFirstTransition installs a temporary status observer used only
// during Open to detect the first Online/Closed transition, without
// disturbing the permanent Statuses() channel subscribers.
func (l *Listener) watchFirstTransition(fn func(Status)) func() {
	l.handlerMu.Lock()
	prev := l.onOpenWatch
	l.onOpenWatch = fn
	l.handlerMu.Unlock()
	return func() {
		l.handlerMu.Lock()
		l.onOpenWatch = prev
		l.handlerMu.Unlock()
	}
}

func (l *Listener) onStatus(s Status) {
	l.mu.Lock()
	l.online = s.State == wire.StateOnline
	l.lastError = s.LastError
	l.mu.Unlock()

	l.handlerMu.Lock()
	watch := l.onOpenWatch
	l.handlerMu.Unlock()
	if watch != nil {
		watch(s)
	}

	if l.lastSet && l.lastSent == s {
		return
	}
	l.lastSet = true
	l.lastSent = s
	select {
	case l.statuses <- s:
	default:
		l.logger.Warn("status channel full, dropping status event")
	}
}

// Statuses returns the channel of coalesced connecting/online/offline
// transitions.
func (l *Listener) Statuses() <-chan Status { return l.statuses }

// SetRequestHandler installs the HTTP-mode handler. Safe to call before
// or after Open; accepts already in flight when it changes keep using
// whatever handler was installed at the moment their rendezvous socket
// was opened.
func (l *Listener) SetRequestHandler(h wire.Handler) {
	l.handlerMu.Lock()
	l.handler = h
	l.handlerMu.Unlock()
}

// AcceptNextStream returns the next raw duplex stream, or (nil, false)
// once the listener has closed and no more will ever arrive, or when ctx
// is done before a stream arrives.
func (l *Listener) AcceptNextStream(ctx context.Context) (wire.Stream, bool) {
	return l.queue.Pop(ctx)
}

func (l *Listener) handleStream(stream wire.Stream, _ *core.TrackingContext) {
	if !l.queue.Push(stream) {
		_ = stream.Close()
	}
}

func (l *Listener) handleHTTP(conn *websocket.Conn, info *wire.RequestInfo, tracking *core.TrackingContext) {
	l.handlerMu.Lock()
	h := l.handler
	l.handlerMu.Unlock()
	wire.NewHttpFramer(conn, l.logger).Serve(tracking, h)
}

// Close stops new rendezvous from registering, releases parked
// AcceptNextStream callers, closes streams still queued, and waits for the
// control channel to finish (bounded by ctx and five seconds). Streams
// already handed to the application and HTTP-mode exchanges in progress
// are not closed. Idempotent.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closeCalled {
		l.mu.Unlock()
		return nil
	}
	l.closeCalled = true
	l.mu.Unlock()

	l.acceptor.Close()
	l.renewer.Close()
	l.cc.Close()
	l.queue.Close()
	for _, s := range l.queue.Drain() {
		_ = s.Close()
	}

	select {
	case <-l.cc.Done():
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}
