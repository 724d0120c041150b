package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ConnectionFactory builds the Connection of a node.
type ConnectionFactory func(Node) (Connection, error)

// PoolStats is a snapshot of pool health.
type PoolStats struct {
	// Total is the number of connections in the pool.
	Total int

	// Alive is the number of connections eligible for selection.
	Alive int

	// Dead is the number of quarantined connections.
	Dead int
}

// deadState tracks the failure streak of one connection.
type deadState struct {
	fails   int
	until   time.Time
	backoff *backoff.ExponentialBackOff

	// quarantined is false once the window elapsed and the connection went
	// back into selection. The streak is kept until an exchange succeeds.
	quarantined bool
}

// ConnectionPool owns the connections of a Transport and their health.
//
// A connection that fails is quarantined for DeadTimeout*2^(fails-1),
// capped at MaxDeadTimeout, and comes back into selection once the window
// has elapsed. A pool holding a single connection never quarantines it.
//
// ConnectionPool is safe for concurrent use.
type ConnectionPool struct {
	mu sync.Mutex

	factory        ConnectionFactory
	selector       Selector
	deadTimeout    time.Duration
	maxDeadTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger
	metrics        *metrics

	conns []Connection
	byKey map[string]Connection
	dead  map[Connection]*deadState
}

// NewConnectionPool builds a pool with one connection per distinct node.
// Selector, dead timeouts, logger and meter are read from opts.
func NewConnectionPool(nodes []Node, factory ConnectionFactory, opts ...Option) (*ConnectionPool, error) {
	cfg := newConfig(opts...)
	return newConnectionPool(nodes, factory, cfg)
}

func newConnectionPool(nodes []Node, factory ConnectionFactory, cfg *internalConfig) (*ConnectionPool, error) {
	p := &ConnectionPool{
		factory:        factory,
		selector:       cfg.selector,
		deadTimeout:    cfg.deadTimeout,
		maxDeadTimeout: cfg.maxDeadTimeout,
		now:            cfg.now,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		byKey:          make(map[string]Connection),
		dead:           make(map[Connection]*deadState),
	}
	if err := p.Reconcile(nodes); err != nil {
		return nil, err
	}
	return p, nil
}

// GetConnection returns the connection for the next attempt.
//
// Quarantined connections whose window elapsed are put back first. When
// every connection is quarantined, the one closest to the end of its window
// is returned without being resurrected.
func (p *ConnectionPool) GetConnection() (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil, ErrNoConnections
	}

	now := p.now()
	alive := make([]Connection, 0, len(p.conns))
	for _, c := range p.conns {
		st, ok := p.dead[c]
		if !ok || !st.quarantined {
			alive = append(alive, c)
			continue
		}
		if !now.Before(st.until) {
			st.quarantined = false
			p.logger.Info().Str("node", c.Node().URL()).Int("fails", st.fails).Msg("resurrecting connection")
			p.metrics.recordResurrected(context.Background(), c.Node().URL(), "timeout_elapsed")
			alive = append(alive, c)
		}
	}

	if len(alive) > 0 {
		return p.selector.Select(alive), nil
	}
	return p.earliestDead(), nil
}

// earliestDead returns the quarantined connection eligible soonest.
// Callers hold p.mu and guarantee every connection is quarantined.
func (p *ConnectionPool) earliestDead() Connection {
	var (
		best      Connection
		bestUntil time.Time
	)
	for _, c := range p.conns {
		st := p.dead[c]
		if best == nil || st.until.Before(bestUntil) {
			best, bestUntil = c, st.until
		}
	}
	return best
}

// MarkDead quarantines c and lengthens its next window.
// It is a no-op for a single-connection pool and for foreign connections.
func (p *ConnectionPool) MarkDead(c Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) <= 1 || !p.owns(c) {
		return
	}

	st, ok := p.dead[c]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.deadTimeout
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = p.maxDeadTimeout
		b.Reset()
		st = &deadState{backoff: b}
		p.dead[c] = st
	}

	st.fails++
	timeout := st.backoff.NextBackOff()
	if timeout == backoff.Stop || timeout > p.maxDeadTimeout {
		timeout = p.maxDeadTimeout
	}
	st.until = p.now().Add(timeout)
	st.quarantined = true

	p.logger.Warn().
		Str("node", c.Node().URL()).
		Int("fails", st.fails).
		Dur("timeout", timeout).
		Msg("connection marked dead")
	p.metrics.recordMarkedDead(context.Background(), c.Node().URL(), st.fails)
}

// MarkLive clears the failure streak of c. It is eligible again at once.
func (p *ConnectionPool) MarkLive(c Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.dead[c]
	if !ok {
		return
	}
	delete(p.dead, c)
	if st.quarantined {
		p.metrics.recordResurrected(context.Background(), c.Node().URL(), "marked_live")
	}
}

// AddConnection adds node to the pool. An existing connection for an equal
// node is returned as-is, keeping its health state.
func (p *ConnectionPool) AddConnection(node Node) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.add(node.normalize())
}

func (p *ConnectionPool) add(node Node) (Connection, error) {
	key := node.Key()
	if c, ok := p.byKey[key]; ok {
		return c, nil
	}

	c, err := p.factory(node)
	if err != nil {
		return nil, fmt.Errorf("create connection to %s: %w", node, err)
	}
	p.conns = append(p.conns, c)
	p.byKey[key] = c
	return c, nil
}

// RemoveConnection drops and closes the connection of node, if any.
func (p *ConnectionPool) RemoveConnection(node Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := node.normalize().Key()
	c, ok := p.byKey[key]
	if !ok {
		return nil
	}
	p.drop(key, c)
	return c.Close()
}

// drop forgets c. Callers hold p.mu.
func (p *ConnectionPool) drop(key string, c Connection) {
	delete(p.byKey, key)
	delete(p.dead, c)
	for i, cc := range p.conns {
		if cc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
}

// Reconcile makes the pool hold exactly nodes, in order. Connections of
// unchanged nodes are kept together with their health; connections of
// nodes no longer listed are closed.
func (p *ConnectionPool) Reconcile(nodes []Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]Connection, 0, len(nodes))
	nextKeys := make(map[string]Connection, len(nodes))
	var created []Connection

	for _, n := range nodes {
		n = n.normalize()
		key := n.Key()
		if _, dup := nextKeys[key]; dup {
			continue
		}
		c, ok := p.byKey[key]
		if !ok {
			var err error
			c, err = p.factory(n)
			if err != nil {
				for _, cc := range created {
					_ = cc.Close()
				}
				return fmt.Errorf("create connection to %s: %w", n, err)
			}
			created = append(created, c)
		}
		next = append(next, c)
		nextKeys[key] = c
	}

	var errs []error
	for key, c := range p.byKey {
		if _, keep := nextKeys[key]; keep {
			continue
		}
		delete(p.dead, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.conns = next
	p.byKey = nextKeys
	return errors.Join(errs...)
}

// Connections returns the connections in pool order.
func (p *ConnectionPool) Connections() []Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Connection(nil), p.conns...)
}

// Stats returns a snapshot of pool health.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := PoolStats{Total: len(p.conns)}
	for _, c := range p.conns {
		if st, ok := p.dead[c]; ok && st.quarantined && now.Before(st.until) {
			s.Dead++
		}
	}
	s.Alive = s.Total - s.Dead
	return s
}

// Close closes every connection.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.conns = nil
	p.byKey = make(map[string]Connection)
	p.dead = make(map[Connection]*deadState)
	return errors.Join(errs...)
}

// owns reports whether c belongs to the pool. Callers hold p.mu.
func (p *ConnectionPool) owns(c Connection) bool {
	for _, cc := range p.conns {
		if cc == c {
			return true
		}
	}
	return false
}
