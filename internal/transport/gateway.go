package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

// Websocket subprotocols select the frame encoding. Clients that offer none
// get JSON text frames.
const (
	SubprotocolJSON   = "cellsync.json"
	SubprotocolBinary = "cellsync.binary"
)

var errSendBufferFull = errors.New("send buffer full")

// GatewayConfig controls websocket sessions.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	CheckOrigin        func(r *http.Request) bool
}

// Gateway upgrades requests on /ws into sync sessions. A session sends a
// digest frame and receives the entries it lacks; afterwards every batch the
// replica records is streamed to it, and changes frames it sends are applied.
type Gateway struct {
	replica  Replica
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	cfg      GatewayConfig
	unwatch  func()
}

// NewGateway wires the gateway to the replica's change stream.
func NewGateway(rep Replica, logger zerolog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 16 << 20
	}

	g := &Gateway{
		replica:  rep,
		registry: NewConnectionRegistry(),
		logger:   logger.With().Str("component", "gateway").Logger(),
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{SubprotocolBinary, SubprotocolJSON},
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	g.unwatch = rep.Watch(func(msg types.Message) {
		g.registry.Broadcast(wire.Frame{Type: wire.FrameChanges, Changes: msg})
	})
	return g
}

// Registry exposes the live sessions.
func (g *Gateway) Registry() *ConnectionRegistry {
	return g.registry
}

// Close stops streaming and closes every session.
func (g *Gateway) Close() {
	if g.unwatch != nil {
		g.unwatch()
	}
	g.registry.CloseAll()
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	codec := wire.JSON
	messageType := websocket.TextMessage
	if conn.Subprotocol() == SubprotocolBinary {
		codec = wire.Binary
		messageType = websocket.BinaryMessage
	}

	childLogger := g.logger.With().Str("client", clientID).Logger()
	var session *Connection
	session = newConnection(conn, clientID, codec, messageType, g, childLogger, func() {
		g.registry.Unregister(session)
	})
	g.registry.Register(session)
	childLogger.Info().Dur("upgrade", time.Since(start)).Str("subprotocol", conn.Subprotocol()).Msg("websocket session established")

	go session.Run()
}

// Connection is one websocket sync session.
type Connection struct {
	conn        *websocket.Conn
	clientID    string
	codec       wire.Codec
	messageType int
	gateway     *Gateway
	logger      zerolog.Logger
	send        chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once

	lastPong atomic.Int64
	onClose  func()
}

func newConnection(conn *websocket.Conn, clientID string, codec wire.Codec, messageType int, g *Gateway, logger zerolog.Logger, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:        conn,
		clientID:    clientID,
		codec:       codec,
		messageType: messageType,
		gateway:     g,
		logger:      logger,
		send:        make(chan []byte, g.cfg.SendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		onClose:     onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ClientID returns the identifier the client connected with.
func (c *Connection) ClientID() string { return c.clientID }

// Codec returns the session's frame encoding.
func (c *Connection) Codec() wire.Codec { return c.codec }

// Context is cancelled when the session closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Send enqueues an encoded frame for the writer goroutine. A full buffer
// closes the session; the client reconciles again on reconnect.
func (c *Connection) Send(payload []byte) error {
	gatewaySendQueueDepth.Observe(float64(len(c.send)))
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing session")
		c.closeWith(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// SendFrame encodes and enqueues a frame.
func (c *Connection) SendFrame(frame wire.Frame) error {
	data, err := c.codec.EncodeFrame(frame)
	if err != nil {
		return err
	}
	gatewayFrames.WithLabelValues(string(frame.Type), "out").Inc()
	return c.Send(data)
}

// Run pumps frames until the session ends.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the session down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	c.conn.SetReadLimit(c.gateway.cfg.MaxMessageBytes)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := c.handle(payload); err != nil {
			return err
		}
	}
}

// handle answers one inbound frame. Rejected frames are reported with an
// error frame and do not end the session.
func (c *Connection) handle(payload []byte) error {
	frame, err := c.codec.DecodeFrame(payload)
	if err != nil {
		gatewayFrames.WithLabelValues("malformed", "in").Inc()
		return c.SendFrame(wire.Frame{Type: wire.FrameError, Error: err.Error()})
	}
	gatewayFrames.WithLabelValues(string(frame.Type), "in").Inc()

	switch frame.Type {
	case wire.FrameDigest:
		return c.SendFrame(wire.Frame{Type: wire.FrameChanges, Changes: c.gateway.replica.GetChanges(frame.Digest)})
	case wire.FrameChanges:
		if err := c.gateway.replica.SetChanges(c.ctx, frame.Changes); err != nil {
			c.logger.Warn().Err(err).Int("entries", len(frame.Changes)).Msg("rejected changes frame")
			return c.SendFrame(wire.Frame{Type: wire.FrameError, Error: err.Error()})
		}
		return nil
	default:
		return c.SendFrame(wire.Frame{Type: wire.FrameError, Error: "unsupported frame type " + string(frame.Type)})
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(c.messageType, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	interval := c.gateway.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gateway.cfg.WriteTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
			if tolerance := c.gateway.cfg.HeartbeatTolerance; tolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				if time.Since(last) > interval*time.Duration(tolerance) {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWith(websocket.CloseGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gateway.cfg.WriteTimeout))
	c.Close()
}
