package transport

import (
	"math/rand/v2"
	"sync/atomic"
)

// Selector picks the connection serving the next attempt. conns is never
// empty and holds only live connections in pool order.
type Selector interface {
	Select(conns []Connection) Connection
}

// RoundRobinSelector cycles through live connections starting at a random
// offset, so that many processes sharing a node list do not all hit the
// first node together.
type RoundRobinSelector struct {
	next atomic.Uint64
}

// NewRoundRobinSelector returns a round-robin selector with a random start.
func NewRoundRobinSelector() *RoundRobinSelector {
	s := &RoundRobinSelector{}
	s.next.Store(rand.Uint64())
	return s
}

// Select implements Selector.
func (s *RoundRobinSelector) Select(conns []Connection) Connection {
	n := s.next.Add(1) - 1
	return conns[n%uint64(len(conns))]
}

// RandomSelector picks a live connection uniformly at random.
type RandomSelector struct{}

// Select implements Selector.
func (RandomSelector) Select(conns []Connection) Connection {
	return conns[rand.IntN(len(conns))]
}
