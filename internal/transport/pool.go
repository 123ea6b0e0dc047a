package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paintgrid/painter/internal/stats"
)

// Backoff implements the supervisor's reconnect policy (§4.10): starts at
// an initial delay, doubles on each consecutive short-lived connection,
// halves after a long-lived one, resets after a very long-lived one, and
// never exceeds a ceiling.
type Backoff struct {
	Initial time.Duration
	Ceiling time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff creates a Backoff starting at initial, capped at ceiling.
func NewBackoff(initial, ceiling time.Duration) *Backoff {
	return &Backoff{Initial: initial, Ceiling: ceiling, current: initial}
}

// Next reports the delay to wait before the next reconnect attempt and
// updates internal state given how long the connection that just closed
// had been alive.
func (b *Backoff) Next(lifetime time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case lifetime >= 60*time.Second:
		b.current = b.Initial
	case lifetime >= 30*time.Second:
		b.current /= 2
		if b.current < b.Initial {
			b.current = b.Initial
		}
	case lifetime < 10*time.Second:
		b.current *= 2
		if b.current > b.Ceiling {
			b.current = b.Ceiling
		}
	}
	return b.current
}

// PoolConfig configures a Pool (§4.5).
type PoolConfig struct {
	ReceiveURL     string
	SendOnlyURL    string
	SendOnlyCount  int // K; not clamped here (cmd/painter passes writeonly_connections, which config clamps to [1,16])
	BatchInterval  time.Duration
	BackoffInitial time.Duration
	BackoffCeiling time.Duration
	Handlers       Handlers
	Stats          *stats.Stats
	Logger         *slog.Logger
}

// slot is one of the pool's managed connections plus its own reconnect
// supervisor state.
type slot struct {
	index   int
	role    Role
	url     string
	backoff *Backoff

	mu   sync.RWMutex
	conn *Connection
}

func (s *slot) current() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Pool opens one receive-capable connection and K send-only connections,
// supervising each independently so that closing or reconnecting one
// never stalls the others (§4.5).
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	slots  []*slot
	cursor atomic64
}

type atomic64 struct {
	mu sync.Mutex
	v  int
}

func (a *atomic64) next(n int) int {
	if n <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = (a.v + 1) % n
	return a.v
}

// NewPool builds a Pool from cfg. Connections are not dialed until Run.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{cfg: cfg, logger: cfg.Logger}

	p.slots = append(p.slots, &slot{
		index:   0,
		role:    ReceiveCapable,
		url:     cfg.ReceiveURL,
		backoff: NewBackoff(cfg.BackoffInitial, cfg.BackoffCeiling),
	})
	for i := 0; i < cfg.SendOnlyCount; i++ {
		p.slots = append(p.slots, &slot{
			index:   i + 1,
			role:    SendOnly,
			url:     cfg.SendOnlyURL,
			backoff: NewBackoff(cfg.BackoffInitial, cfg.BackoffCeiling),
		})
	}
	return p
}

// Run dials and supervises every slot until ctx is cancelled. Each slot
// runs its own dial-run-backoff-redial loop as an independent errgroup
// member, so a persistent failure in one slot's supervisor does not
// prevent Run from returning once ctx is done. Panics are not recovered.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		s := s
		g.Go(func() error {
			p.superviseSlot(gctx, s)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) superviseSlot(ctx context.Context, s *slot) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn := NewConnection(s.role, s.url, NewBatcher(p.cfg.BatchInterval), p.cfg.Handlers, p.logger)
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if p.cfg.Stats != nil {
			p.cfg.Stats.SetConnectionState(s.index, false)
		}

		openedAt := time.Now()
		if err := conn.Open(ctx); err != nil {
			if p.logger != nil {
				p.logger.Warn("connection dial failed", "role", s.role, "index", s.index, "error", err)
			}
			if !p.sleepBackoff(ctx, s.backoff.Next(0)) {
				return
			}
			continue
		}

		if p.cfg.Stats != nil {
			p.cfg.Stats.SetConnectionState(s.index, true)
		}
		if p.logger != nil {
			p.logger.Info("connection open", "role", s.role, "index", s.index)
		}

		runErr := conn.Run(ctx)
		lifetime := time.Since(openedAt)

		if p.cfg.Stats != nil {
			p.cfg.Stats.SetConnectionState(s.index, false)
		}
		if p.logger != nil {
			p.logger.Warn("connection closed", "role", s.role, "index", s.index, "lifetime", lifetime, "error", runErr)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if !p.sleepBackoff(ctx, s.backoff.Next(lifetime)) {
			return
		}
	}
}

func (p *Pool) sleepBackoff(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// NextSendable round-robins over the pool's currently open connections
// and returns one to enqueue a frame on, guaranteeing fair use of every
// open connection and no starvation (§4.5 a, b). It returns nil if no
// connection is currently open.
func (p *Pool) NextSendable() *Connection {
	open := make([]*Connection, 0, len(p.slots))
	for _, s := range p.slots {
		if c := s.current(); c != nil && c.State() == StateOpen {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return nil
	}
	idx := p.cursor.next(len(open))
	return open[idx]
}

// Enqueue hands an already-encoded frame to the next sendable
// connection's batcher.
func (p *Pool) Enqueue(frame []byte) bool {
	c := p.NextSendable()
	if c == nil {
		return false
	}
	c.Batcher.Enqueue(frame)
	return true
}

// OpenCount reports how many of the pool's connections are currently
// open, mainly for health checks and tests.
func (p *Pool) OpenCount() int {
	n := 0
	for _, s := range p.slots {
		if c := s.current(); c != nil && c.State() == StateOpen {
			n++
		}
	}
	return n
}

// ReceiveConnection returns the pool's one receive-capable connection
// (or nil if not yet open), mainly for health checks.
func (p *Pool) ReceiveConnection() *Connection {
	return p.slots[0].current()
}

// ForceReconnectReceive closes the receive-capable connection so its
// supervisor redials it, used by the supervisor's zero-growth stall
// check (§4.9 "Stall and health rules", §7).
func (p *Pool) ForceReconnectReceive() {
	if c := p.ReceiveConnection(); c != nil {
		c.ForceClose()
	}
}
