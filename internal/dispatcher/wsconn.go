package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// wsConn adapts a github.com/coder/websocket connection into the raw
// read/write-one-JSON-frame primitive the dispatch loop needs. Writes are
// mutex-protected because a websocket connection does not support
// concurrent writers; reads are never concurrent since only the dispatch
// loop issues them.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// readFrame blocks for exactly one text frame and returns its raw bytes.
func (w *wsConn) readFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("wsconn: read: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("wsconn: unexpected frame type %v", typ)
	}
	return data, nil
}

// writeFrame sends data as a single text frame.
func (w *wsConn) writeFrame(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("wsconn: closed")
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

func (w *wsConn) close(code websocket.StatusCode, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(code, reason)
}
