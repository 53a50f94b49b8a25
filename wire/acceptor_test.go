package wire

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/core"
)

func newRendezvousTestServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func TestAcceptor_StreamMode(t *testing.T) {
	server := newRendezvousTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte("greetings"))
	})
	defer server.Close()

	received := make(chan Stream, 1)
	var gotTracking *core.TrackingContext
	a := NewAcceptor(AcceptorConfig{
		StreamHandler: func(s Stream, tracking *core.TrackingContext) {
			gotTracking = tracking
			received <- s
		},
		HTTPHandler:  func(*websocket.Conn, *RequestInfo, *core.TrackingContext) {},
		EndpointPath: "myhub",
	})

	a.Accept(AcceptPayload{ID: "req-1", Address: wsURL(server)})

	select {
	case s := <-received:
		buf := make([]byte, 32)
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:n]) != "greetings" {
			t.Errorf("Read = %q, want %q", buf[:n], "greetings")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamHandler never invoked")
	}

	if a.ActiveCount() != 0 {
		t.Errorf("expected active count 0 after completion, got %d", a.ActiveCount())
	}

	if gotTracking.TrackingID() != "req-1" {
		t.Errorf("TrackingID = %q, want the accept message's id %q", gotTracking.TrackingID(), "req-1")
	}
	if s := gotTracking.String(); !containsAll(s, "TrackingId:req-1", "SubsystemId:myhub") {
		t.Errorf("tracking string = %q, want TrackingId:req-1 and SubsystemId:myhub", s)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestAcceptor_HTTPMode(t *testing.T) {
	server := newRendezvousTestServer(t, func(conn *websocket.Conn) {})
	defer server.Close()

	received := make(chan *RequestInfo, 1)
	a := NewAcceptor(AcceptorConfig{
		StreamHandler: func(Stream, *core.TrackingContext) {},
		HTTPHandler: func(conn *websocket.Conn, info *RequestInfo, tracking *core.TrackingContext) {
			received <- info
		},
	})

	a.Accept(AcceptPayload{
		ID:          "req-2",
		Address:     wsURL(server),
		RequestInfo: &RequestInfo{Method: "GET", Target: "/x"},
	})

	select {
	case info := <-received:
		if info.Method != "GET" || info.Target != "/x" {
			t.Errorf("unexpected RequestInfo: %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HTTPHandler never invoked")
	}
}

func TestAcceptor_DuplicateIDRejected(t *testing.T) {
	block := make(chan struct{})
	server := newRendezvousTestServer(t, func(conn *websocket.Conn) {
		<-block
	})
	defer server.Close()
	defer close(block)

	var handlerCalls int32
	a := NewAcceptor(AcceptorConfig{
		StreamHandler: func(Stream, *core.TrackingContext) {
			handlerCalls++
			// Hold the first rendezvous in the active map until the test ends.
			<-block
		},
		HTTPHandler: func(*websocket.Conn, *RequestInfo, *core.TrackingContext) {},
	})

	go a.Accept(AcceptPayload{ID: "dup", Address: wsURL(server)})
	time.Sleep(50 * time.Millisecond)

	// Second accept with the same id must be rejected synchronously.
	a.Accept(AcceptPayload{ID: "dup", Address: wsURL(server)})

	if a.ActiveCount() != 1 {
		t.Errorf("expected 1 active rendezvous, got %d", a.ActiveCount())
	}
}

func TestAcceptor_RejectsAfterClose(t *testing.T) {
	server := newRendezvousTestServer(t, func(conn *websocket.Conn) {})
	defer server.Close()

	var handlerCalled bool
	a := NewAcceptor(AcceptorConfig{
		StreamHandler: func(Stream, *core.TrackingContext) { handlerCalled = true },
		HTTPHandler:   func(*websocket.Conn, *RequestInfo, *core.TrackingContext) {},
	})
	a.Close()

	a.Accept(AcceptPayload{ID: "after-close", Address: wsURL(server)})
	if handlerCalled {
		t.Error("expected accepts to be rejected after Close")
	}
}
