package relay

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hcrelay/hcrelay/core"
)

// Endpoint is the logical address sb://host/path a listener registers
// under. Immutable once constructed.
type Endpoint struct {
	Host string
	Port int
	Path string
}

// ParseEndpoint parses "sb://host/path" — a single path segment, no
// query, no port.
func ParseEndpoint(addr string) (Endpoint, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return Endpoint{}, core.NewError(core.KindValidation, "", "invalid endpoint address %q: %w", addr, err)
	}
	if u.Scheme != "sb" {
		return Endpoint{}, core.NewError(core.KindValidation, "", "endpoint address %q must use the sb:// scheme", addr)
	}
	if u.RawQuery != "" {
		return Endpoint{}, core.NewError(core.KindValidation, "", "endpoint address %q must not carry a query", addr)
	}
	if u.Port() != "" {
		return Endpoint{}, core.NewError(core.KindValidation, "", "endpoint address %q must not carry a port", addr)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" || strings.Contains(path, "/") {
		return Endpoint{}, core.NewError(core.KindValidation, "", "endpoint address %q must have exactly one path segment", addr)
	}
	return Endpoint{Host: u.Host, Port: 443, Path: path}, nil
}

func (e Endpoint) listenHost() string {
	if e.Port == 0 || e.Port == 443 {
		return e.Host
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ListenURI builds wss://{host}:{port}/$hc/{path}?sb-hc-action=listen&sb-hc-id={trackingId}.
func (e Endpoint) ListenURI(trackingID string) string {
	return fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=listen&sb-hc-id=%s",
		e.listenHost(), url.PathEscape(e.Path), url.QueryEscape(trackingID))
}

// ConnectURI builds the client connect URI; token is omitted from the
// query string when empty (unauthenticated-client endpoints).
func (e Endpoint) ConnectURI(token string) string {
	base := fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=connect", e.listenHost(), url.PathEscape(e.Path))
	if token == "" {
		return base
	}
	return base + "&sb-hc-token=" + url.QueryEscape(token)
}

// HTTPEntryURI builds the Hybrid HTTP mode client entry point.
func (e Endpoint) HTTPEntryURI() string {
	return fmt.Sprintf("https://%s/%s", e.listenHost(), e.Path)
}

// AudienceURI is the audience a TokenProvider signs against for this
// endpoint: the plain sb://host/path address. Providers canonicalize it
// with core.NormalizeAudience.
func (e Endpoint) AudienceURI() string {
	return fmt.Sprintf("sb://%s/%s", e.Host, e.Path)
}
