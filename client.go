package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/core"
	"github.com/hcrelay/hcrelay/wire"
)

// clientDialTimeout bounds how long CreateConnection waits for the
// relay to upgrade the connect request.
const clientDialTimeout = 20 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint Endpoint
	// TokenProvider is nil for an endpoint configured for unauthenticated
	// clients; CreateConnection then dials without a sb-hc-token.
	TokenProvider core.TokenProvider
	TokenValidFor time.Duration // 0 = defaultTokenValidFor
	Logger        *slog.Logger
	// Dialer defaults to websocket.DefaultDialer; overridable for tests.
	Dialer *websocket.Dialer
}

// Client opens client-side connections against a listener's entity
// path, the data-plane counterpart to Listener.
type Client struct {
	cfg ClientConfig
}

// NewClient constructs a Client bound to cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenValidFor == 0 {
		cfg.TokenValidFor = defaultTokenValidFor
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg}
}

// CreateConnection dials the relay's connect endpoint and returns the
// resulting duplex stream once the 101 Switching Protocols handshake
// succeeds. Any other outcome is reported as a typed *core.Error.
func (c *Client) CreateConnection(ctx context.Context) (wire.Stream, error) {
	tracking := core.NewTrackingContext(c.cfg.Endpoint.Path)

	var token string
	if c.cfg.TokenProvider != nil {
		tok, err := c.cfg.TokenProvider.GetToken(ctx, c.cfg.Endpoint.AudienceURI(), c.cfg.TokenValidFor)
		if err != nil {
			return nil, core.NewError(core.KindAuthorizationFailed, tracking.String(), "acquire client token: %w", err)
		}
		token = tok.Token
	}

	dialCtx, cancel := context.WithTimeout(ctx, clientDialTimeout)
	defer cancel()

	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.Endpoint.ConnectURI(token), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, core.NewError(core.KindAuthorizationFailed, tracking.String(), "connect rejected: %w", err)
			case http.StatusNotFound:
				return nil, core.NewError(core.KindEndpointNotFound, tracking.String(), "connect endpoint not found: %w", err)
			case http.StatusTooManyRequests:
				return nil, core.NewError(core.KindQuotaExceeded, tracking.String(), "connect quota exceeded: %w", err)
			}
		}
		return nil, core.NewError(core.KindConnectionLost, tracking.String(), "connect dial failed: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, core.NewError(core.KindRelayGeneric, tracking.String(), "unexpected connect response status %d", resp.StatusCode)
	}

	c.cfg.Logger.Debug("client connection established", "tracking", tracking.String())
	return wire.NewStream(conn), nil
}
