package transport

import (
	"sync"

	"github.com/example/cellsync/internal/wire"
)

// ConnectionRegistry tracks live websocket sessions so recorded batches can be
// streamed to all of them.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Register adds a session.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	gatewayConnections.Set(float64(len(r.conns)))
}

// Unregister removes a session.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	gatewayConnections.Set(float64(len(r.conns)))
}

// Len returns the number of live sessions.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers the frame to every session, encoding it once per codec.
// It returns the number of sessions the frame was queued for.
func (r *ConnectionRegistry) Broadcast(frame wire.Frame) int {
	recipients := r.snapshot()
	if len(recipients) == 0 {
		return 0
	}

	encoded := make(map[string][]byte, 2)
	sent := 0
	for _, conn := range recipients {
		codec := conn.Codec()
		data, ok := encoded[codec.ContentType()]
		if !ok {
			var err error
			data, err = codec.EncodeFrame(frame)
			if err != nil {
				continue
			}
			encoded[codec.ContentType()] = data
		}
		if err := conn.Send(data); err == nil {
			gatewayFrames.WithLabelValues(string(frame.Type), "out").Inc()
			sent++
		}
	}
	return sent
}

// CloseAll closes every session.
func (r *ConnectionRegistry) CloseAll() {
	for _, conn := range r.snapshot() {
		conn.Close()
	}
}

func (r *ConnectionRegistry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}
