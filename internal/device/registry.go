package device

import (
	"context"
	"encoding/json"
	"sync"

	ws "nhooyr.io/websocket"
)

// registry keeps at most one live device connection. A new connection replaces the old one.
type registry struct {
	mu   sync.Mutex
	conn *ws.Conn
	id   string
}

// replace installs c and closes the previous connection if present. The close
// handshake runs outside the lock so the old read loop can finish.
func (r *registry) replace(id string, c *ws.Conn) bool {
	r.mu.Lock()
	prev := r.conn
	r.conn = c
	r.id = id
	r.mu.Unlock()
	if prev == nil {
		return false
	}
	_ = prev.Close(ws.StatusNormalClosure, "replaced")
	return true
}

func (r *registry) get() *ws.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// remove clears c if it is still the live connection.
func (r *registry) remove(c *ws.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != c {
		return false
	}
	r.conn = nil
	r.id = ""
	return true
}

func (r *registry) sendJSON(ctx context.Context, v any) error {
	c := r.get()
	if c == nil {
		return ErrNoDevice
	}
	return c.Write(ctx, ws.MessageText, mustJSON(v))
}

func (r *registry) sendBinary(ctx context.Context, data []byte) error {
	c := r.get()
	if c == nil {
		return ErrNoDevice
	}
	return c.Write(ctx, ws.MessageBinary, data)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
