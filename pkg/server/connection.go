package server

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/google/uuid"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/logger"
	"github.com/scratchcollab/colabd/pkg/ticket"
	"github.com/scratchcollab/colabd/pkg/workspace"
)

// outboundQueueSize bounds the per-connection send queue (§9 "bounded
// per-member outbound queue with drop-oldest policy under backpressure").
const outboundQueueSize = 64

// Connection represents a single client WebSocket connection. It
// implements workspace.Outbound, queuing frames for a dedicated writer
// goroutine so that workspace.Broadcast never blocks on a slow peer.
type Connection struct {
	connID  string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	session *workspace.Session

	mu     sync.Mutex
	queue  chan *protocol.ServerMsg
	closed bool
}

// NewConnection wraps an accepted WebSocket in a Connection, wiring its
// dispatcher session against the shared registry and ticket verifier.
func NewConnection(ctx context.Context, conn *websocket.Conn, registry *workspace.Registry, verifier *ticket.Verifier) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		connID: uuid.NewString(),
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		queue:  make(chan *protocol.ServerMsg, outboundQueueSize),
	}
	c.session = workspace.NewSession(registry, verifier, c, c.connID)
	return c
}

// Send implements workspace.Outbound. It never blocks: a full queue
// drops the oldest queued frame to make room for the new one.
func (c *Connection) Send(msg *protocol.ServerMsg) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.queue <- msg:
	default:
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- msg:
		default:
		}
		logger.Debug("connection %s: outbound queue full, dropped oldest frame", c.connID)
	}
}

// Close implements workspace.Outbound, closing the socket with an
// application-level close code (§6).
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.Close(websocket.StatusCode(code), reason)
	c.cancel()
}

// Handle runs the connection's read loop and writer goroutine until the
// socket closes or the context is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.session.Disconnect()
	defer c.shutdownWriter()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, 60*time.Second)
		var raw []byte
		_, reader, err := c.conn.Reader(readCtx)
		if err == nil {
			raw, err = io.ReadAll(reader)
		}
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		closeCode, closeReason := c.session.Handle(raw)
		if closeCode != 0 {
			c.Close(closeCode, closeReason)
			return nil
		}
	}
}

func (c *Connection) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				logger.Debug("connection %s: write failed: %v", c.connID, err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) shutdownWriter() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

