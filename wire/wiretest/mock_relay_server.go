// Package wiretest provides a mock relay server used by the wire and
// relay test suites: it speaks just enough of the listen/connect/
// rendezvous protocol to exercise ControlChannel, Acceptor, HttpFramer,
// and Client without a real Azure Relay namespace.
package wiretest

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/wire"
)

// MockRelayServer simulates one relay namespace: the listen (control)
// endpoint, the connect (client) endpoint, and the rendezvous endpoints
// accept messages point at.
type MockRelayServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	listenConns map[string]*websocket.Conn
	renewTokens map[string][]string
	authHeaders map[string]string

	rendezvousMu sync.Mutex
	rendezvous   map[string]chan *websocket.Conn

	connectMu sync.Mutex
	connectCh chan *websocket.Conn
}

// NewMockRelayServer starts a TLS test server. Callers dial it with a
// *websocket.Dialer whose TLSClientConfig has InsecureSkipVerify set,
// the same way a test would point at a self-signed endpoint.
func NewMockRelayServer() *MockRelayServer {
	m := &MockRelayServer{
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		listenConns: make(map[string]*websocket.Conn),
		renewTokens: make(map[string][]string),
		authHeaders: make(map[string]string),
		rendezvous:  make(map[string]chan *websocket.Conn),
		connectCh:   make(chan *websocket.Conn, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/$hc/", m.handleHC)
	mux.HandleFunc("/$hc-rz/", m.handleRendezvous)
	m.server = httptest.NewTLSServer(mux)
	return m
}

// Dialer returns a dialer preconfigured to trust this server's
// self-signed certificate.
func (m *MockRelayServer) Dialer() *websocket.Dialer {
	return &websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 10 * time.Second,
	}
}

// Host returns the host:port a relay.Endpoint should target.
func (m *MockRelayServer) Host() string {
	return strings.TrimPrefix(strings.TrimPrefix(m.server.URL, "https://"), "http://")
}

// Close closes every listen connection it upgraded and shuts down the
// server. Connect and rendezvous connections are not closed here; tests
// that take them close them.
func (m *MockRelayServer) Close() {
	m.mu.Lock()
	for _, c := range m.listenConns {
		c.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *MockRelayServer) handleHC(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/$hc/")
	switch r.URL.Query().Get("sb-hc-action") {
	case "listen":
		m.handleListen(w, r, path)
	case "connect":
		m.handleConnect(w, r)
	default:
		http.Error(w, "unrecognized sb-hc-action", http.StatusBadRequest)
	}
}

func (m *MockRelayServer) handleListen(w http.ResponseWriter, r *http.Request, path string) {
	auth := r.Header.Get("ServiceBusAuthorization")
	if auth == "" {
		http.Error(w, "missing ServiceBusAuthorization", http.StatusUnauthorized)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.listenConns[path] = conn
	m.authHeaders[path] = auth
	m.mu.Unlock()

	go m.readControlLoop(path, conn)
}

// readControlLoop drains renewToken envelopes sent by the listener
// under test so its write path never blocks.
func (m *MockRelayServer) readControlLoop(path string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeControlEnvelope(data)
		if err != nil {
			continue
		}
		if env.RenewToken != nil {
			m.mu.Lock()
			m.renewTokens[path] = append(m.renewTokens[path], env.RenewToken.Token)
			m.mu.Unlock()
		}
	}
}

func (m *MockRelayServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case m.connectCh <- conn:
	default:
		conn.Close()
	}
}

func (m *MockRelayServer) handleRendezvous(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/$hc-rz/")
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := m.rendezvousChan(id)
	select {
	case ch <- conn:
	default:
		conn.Close()
	}
}

func (m *MockRelayServer) rendezvousChan(id string) chan *websocket.Conn {
	m.rendezvousMu.Lock()
	defer m.rendezvousMu.Unlock()
	ch, ok := m.rendezvous[id]
	if !ok {
		ch = make(chan *websocket.Conn, 1)
		m.rendezvous[id] = ch
	}
	return ch
}

// WaitForListen blocks until a listener has connected under path, or
// the timeout elapses.
func (m *MockRelayServer) WaitForListen(path string, timeout time.Duration) (*websocket.Conn, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		conn, ok := m.listenConns[path]
		m.mu.Unlock()
		if ok {
			return conn, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

// WaitForConnect blocks until a client connects via sb-hc-action=connect.
func (m *MockRelayServer) WaitForConnect(timeout time.Duration) (*websocket.Conn, bool) {
	select {
	case conn := <-m.connectCh:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// RenewedTokens returns every renewToken value received for path, in
// arrival order.
func (m *MockRelayServer) RenewedTokens(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.renewTokens[path]))
	copy(out, m.renewTokens[path])
	return out
}

// PushAccept sends an "accept" control envelope over listenConn, pointing
// the rendezvous address back at this server. The caller can wait on id
// via WaitForRendezvous.
func (m *MockRelayServer) PushAccept(listenConn *websocket.Conn, id string, requestInfo *wire.RequestInfo) error {
	addr := fmt.Sprintf("wss://%s/$hc-rz/%s", m.Host(), id)
	data, err := wire.EncodeAccept(wire.AcceptPayload{ID: id, Address: addr, RequestInfo: requestInfo})
	if err != nil {
		return err
	}
	return listenConn.WriteMessage(websocket.TextMessage, data)
}

// WaitForRendezvous blocks until the acceptor under test dials the
// rendezvous address handed out in PushAccept for id.
func (m *MockRelayServer) WaitForRendezvous(id string, timeout time.Duration) (*websocket.Conn, bool) {
	ch := m.rendezvousChan(id)
	select {
	case conn := <-ch:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}
