package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcrelay/hcrelay/core"
)

// HTTPRequest is the application-visible view of one HTTP-mode
// rendezvous exchange: a stand-in for net/http.Request narrow enough
// that this package never needs to run an HTTP server to produce it.
type HTTPRequest struct {
	Method   string
	Target   string
	Headers  []HeaderPair
	Body     io.Reader // nil when the request carried no body
	Tracking *core.TrackingContext
}

// ResponseWriter is handed to the application's handler to produce the
// HTTP-mode response. Calling Write implicitly finalizes the status
// (default 200) and headers exactly once, matching net/http semantics.
type ResponseWriter struct {
	framer *HttpFramer

	mu          sync.Mutex
	wroteHeader bool
	statusCode  int
	reason      string
	header      []HeaderPair
}

// Header returns the mutable header list; add pairs before the first
// Write or explicit WriteHeader call.
func (w *ResponseWriter) Header() *[]HeaderPair { return &w.header }

// WriteHeader sets the status code and optional reason. Calling it more
// than once, or after Write, has no effect beyond the first call.
func (w *ResponseWriter) WriteHeader(statusCode int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
	w.reason = reason
	w.framer.sendResponseHeader(statusCode, reason, w.header)
}

// Write sends body bytes as one or more binary frames, defaulting the
// status to 200 if WriteHeader was never called.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if !w.wroteHeader {
		w.wroteHeader = true
		w.statusCode = 200
		w.framer.sendResponseHeader(200, "", w.header)
	}
	w.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.framer.writeBodyFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// finalize flushes the terminator frame and closes the socket. Called
// once per exchange regardless of whether the handler wrote a body.
func (w *ResponseWriter) finalize() {
	w.mu.Lock()
	if !w.wroteHeader {
		w.wroteHeader = true
		w.statusCode = 200
		w.framer.sendResponseHeader(200, "", w.header)
	}
	w.mu.Unlock()
	w.framer.writeTerminator()
}

// Handler processes one HTTP-mode rendezvous exchange.
type Handler func(w *ResponseWriter, r *HTTPRequest)

// HttpFramer reads the request envelope and body frames off one
// rendezvous WebSocket, dispatches to handler, and serializes the
// response back over the same socket.
type HttpFramer struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewHttpFramer wraps conn for one request/response exchange.
func NewHttpFramer(conn *websocket.Conn, logger *slog.Logger) *HttpFramer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HttpFramer{conn: conn, logger: logger}
}

// Serve reads the request envelope, invokes handler (or the default
// 501/500 behavior if handler is nil or panics), and finalizes the
// response. If the request envelope cannot be read, no response is sent.
// The socket is always closed before returning.
func (f *HttpFramer) Serve(tracking *core.TrackingContext, handler Handler) {
	defer f.conn.Close()

	req, err := f.readRequest(tracking)
	if err != nil {
		f.logger.Warn("failed to read HTTP-mode request envelope", "error", err, "tracking", tracking.String())
		return
	}

	w := &ResponseWriter{framer: f}

	if handler == nil {
		w.WriteHeader(501, fmt.Sprintf("no handler installed for %s %s (tracking %s)", req.Method, req.Target, tracking.TrackingID()))
		w.finalize()
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("panic in HTTP-mode handler", "panic", r, "tracking", tracking.String())
				w.mu.Lock()
				already := w.wroteHeader
				w.mu.Unlock()
				if !already {
					w.WriteHeader(500, "internal error")
				}
			}
		}()
		handler(w, req)
	}()

	w.finalize()
}

func (f *HttpFramer) readRequest(tracking *core.TrackingContext) (*HTTPRequest, error) {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := DecodeControlEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Request == nil {
		return nil, fmt.Errorf("expected request envelope, got discriminant %q", env.Discriminant())
	}
	p := env.Request
	tracking.Replace(p.ID)

	req := &HTTPRequest{Method: p.Method, Target: p.Target, Headers: p.Headers, Tracking: tracking}
	if p.Body {
		req.Body = f.newBodyReader()
	}
	return req, nil
}

// newBodyReader spawns a goroutine that copies incoming binary body
// frames into a pipe, stopping at the first frame that is either
// zero-length or carries a lastFragment=true sidecar — spec requires
// recognizing either terminator shape on receive.
func (f *HttpFramer) newBodyReader() io.Reader {
	pr, pw := io.Pipe()
	go func() {
		for {
			msgType, data, err := f.conn.ReadMessage()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if msgType == websocket.TextMessage {
				var sidecar struct {
					LastFragment bool `json:"lastFragment"`
				}
				if json.Unmarshal(data, &sidecar) == nil && sidecar.LastFragment {
					pw.Close()
					return
				}
				continue
			}
			if len(data) == 0 {
				pw.Close()
				return
			}
			if _, err := pw.Write(data); err != nil {
				return
			}
		}
	}()
	return pr
}

func (f *HttpFramer) sendResponseHeader(statusCode int, reason string, headers []HeaderPair) {
	data, err := EncodeResponse(ResponsePayload{StatusCode: statusCode, Reason: reason, Headers: headers, Body: true})
	if err != nil {
		f.logger.Error("encode response envelope", "error", err)
		return
	}
	if err := f.write(websocket.TextMessage, data); err != nil {
		f.logger.Warn("write response envelope failed", "error", err)
	}
}

func (f *HttpFramer) writeBodyFrame(p []byte) error {
	return f.write(websocket.BinaryMessage, p)
}

// writeTerminator sends a zero-length binary frame, this package's
// chosen terminator shape, then closes the WebSocket with normal
// closure.
func (f *HttpFramer) writeTerminator() {
	_ = f.write(websocket.BinaryMessage, []byte{})
	f.writeMu.Lock()
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeDeadline))
	f.writeMu.Unlock()
}

// write serializes every outbound frame behind one mutex, matching the
// at-most-one-concurrent-writer guarantee.
func (f *HttpFramer) write(messageType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteMessage(messageType, data)
}
