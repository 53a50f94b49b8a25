package wire

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeDeadline bounds how long writing the normal-closure frame may
// take. The underlying connection is closed right after that write,
// without waiting for the peer's close reply.
const closeDeadline = 5 * time.Second

// wsStream adapts a *websocket.Conn into a plain io.ReadWriteCloser,
// presenting the sequence of binary frames as one continuous byte
// stream — what a raw-mode rendezvous hands to the application.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	r      io.Reader // current message reader, nil when exhausted

	writeMu sync.Mutex
}

// newWSStream wraps conn. Reads and writes use independent buffers/locks
// so a concurrent read and write never block on each other.
func newWSStream(conn *websocket.Conn) Stream {
	return &wsStream{conn: conn}
}

// NewStream exposes the WebSocket-to-Stream adapter to callers outside
// this package — the Client façade uses it to wrap a freshly dialed
// connect socket the same way the Acceptor wraps a rendezvous socket.
func NewStream(conn *websocket.Conn) Stream {
	return newWSStream(conn)
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.r != nil {
			n, err := s.r.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				s.r = nil
				continue
			}
			if err != nil {
				return 0, err
			}
		}
		msgType, r, err := s.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		s.r = r
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeDeadline))
	s.writeMu.Unlock()
	return s.conn.Close()
}
