package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paintgrid/painter/internal/wire"
)

// Role distinguishes the one receive-capable connection from the
// send-only connections in a pool (§4.4, §4.5).
type Role int

const (
	ReceiveCapable Role = iota
	SendOnly
)

func (r Role) String() string {
	if r == ReceiveCapable {
		return "receive-capable"
	}
	return "send-only"
}

// State is a Connection's lifecycle stage (§4.4).
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateDraining
	StateClosed
)

// DialTimeout bounds how long opening a connection may take (§5).
const DialTimeout = 30 * time.Second

// maxPingFailures marks a connection unhealthy after this many
// consecutive failed pong replies (§4.2).
const maxPingFailures = 3

// Handlers are the callbacks a Connection's receive loop drives into the
// rest of the system. Both are optional; a SendOnly connection
// never receives OpBoardUpdate in practice but the handler is wired
// identically to a ReceiveCapable one per §9 open question #1 ("may
// receive; ignore beyond fail-counter reset").
type Handlers struct {
	OnBoardUpdate func(wire.BoardUpdate)
	OnPaintResult func(wire.PaintResult)
}

// Connection owns one WebSocket, its outbound Batcher, and the receive
// loop that dispatches decoded records into Handlers (§4.4).
type Connection struct {
	Role     Role
	URL      string
	Logger   *slog.Logger
	Batcher  *Batcher
	Handlers Handlers

	dialer *websocket.Dialer

	writeMu sync.Mutex
	ws      *websocket.Conn

	state        atomic.Int32
	pingFailures atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection creates a Connection in state Opening. Call Open then
// Run to drive it.
func NewConnection(role Role, url string, batcher *Batcher, handlers Handlers, logger *slog.Logger) *Connection {
	c := &Connection{
		Role:     role,
		URL:      url,
		Logger:   logger,
		Batcher:  batcher,
		Handlers: handlers,
		dialer:   &websocket.Dialer{HandshakeTimeout: DialTimeout},
		closed:   make(chan struct{}),
	}
	c.state.Store(int32(StateOpening))
	return c
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Open dials the WebSocket. The caller must call Run afterwards to drive
// the sender and receiver loops.
func (c *Connection) Open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.URL, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("dialing %s connection: %w", c.Role, err)
	}
	ws.SetReadDeadline(time.Now().Add(PingTimeout))
	c.ws = ws
	c.state.Store(int32(StateOpen))
	return nil
}

// Run drives the sender loop (via Batcher) and the receive loop until
// ctx is cancelled or the socket closes. It returns once both loops have
// stopped. On return the connection is in state Closed and its batcher
// queue has been discarded (§4.4: "undelivered frames from its queue are
// discarded").
func (c *Connection) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var recvErr, sendErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		recvErr = c.receiveLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		sendErr = c.Batcher.Run(runCtx, c.writeBatch)
	}()

	wg.Wait()
	c.transitionClosed()

	if recvErr != nil && recvErr != context.Canceled {
		return recvErr
	}
	if sendErr != nil && sendErr != context.Canceled {
		return sendErr
	}
	return nil
}

func (c *Connection) transitionClosed() {
	c.state.Store(int32(StateClosed))
	c.Batcher.Discard()
	c.closeOnce.Do(func() { close(c.closed) })
	c.writeMu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.writeMu.Unlock()
}

// Closed returns a channel that is closed once the connection reaches
// state Closed.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// ForceClose closes the underlying socket, ending the receive loop and
// causing Run to return; the pool's supervisor then reconnects this
// slot after backoff. Used by the supervisor's zero-growth stall check
// (§4.9, §7).
func (c *Connection) ForceClose() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws != nil {
		c.ws.Close()
	}
}

// Healthy reports whether this connection has not yet hit three
// consecutive pong-send failures (§4.2).
func (c *Connection) Healthy() bool {
	return c.pingFailures.Load() < maxPingFailures
}

func (c *Connection) writeBatch(batch []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("connection not open")
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, batch)
}

func (c *Connection) writePong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("connection not open")
	}
	return RespondToPing(c.ws)
}

// receiveLoop reads messages until the socket closes or ctx is done,
// decoding each into records and dispatching them. A SendOnly
// connection's loop only ever needs to act on OpPing, but every decoded
// record still reaches Handlers so fail-counter resets on OpPaintResult
// work uniformly regardless of role (§9 open question #1).
//
// Every read carries a PingTimeout read deadline, refreshed after each
// received message; a server that stops pinging while holding the TCP
// connection open trips the deadline instead of blocking ReadMessage
// forever, surfacing as a dead-connection error so the pool reconnects
// the slot (§7: "No ping received for 60s").
func (c *Connection) receiveLoop(ctx context.Context) error {
	defer func() {
		c.writeMu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.writeMu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		c.writeMu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.writeMu.Unlock()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection %s read: %w", c.Role, err)
		}
		c.ws.SetReadDeadline(time.Now().Add(PingTimeout))

		records, discarded := wire.DecodeRecords(data)
		if discarded > 0 && c.Logger != nil {
			c.Logger.Warn("discarded trailing fragment", "role", c.Role, "bytes", discarded)
		}

		for _, rec := range records {
			switch rec.Opcode {
			case wire.OpPing:
				if err := c.writePong(); err != nil {
					n := c.pingFailures.Add(1)
					if c.Logger != nil {
						c.Logger.Warn("pong send failed", "role", c.Role, "consecutive_failures", n, "error", err)
					}
					if n >= maxPingFailures {
						return fmt.Errorf("connection unhealthy: %d consecutive pong failures", n)
					}
					continue
				}
				c.pingFailures.Store(0)
			case wire.OpBoardUpdate:
				if c.Handlers.OnBoardUpdate != nil {
					c.Handlers.OnBoardUpdate(rec.Board)
				}
			case wire.OpPaintResult:
				if c.Handlers.OnPaintResult != nil {
					c.Handlers.OnPaintResult(rec.Result)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
