package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis so that every
// process talking to the same nodes shares breaker state.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	tr, err := transport.New(
//	    transport.WithNodes("es-1:9200", "es-2:9200"),
//	    transport.WithBreaker(transport.DistributedBreakerConfig(transport.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker matches the Execute method of gobreaker breakers.
type CircuitBreaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// BreakerClassifier reports whether an attempt error counts as a failure
// towards tripping the breaker.
type BreakerClassifier func(err error) bool

// BreakerConfig configures the circuit breaker wrapped around each
// connection. An open breaker fails the attempt with a *ConnectionError, so
// the Transport moves on to the next node.
//
// States:
//   - Closed: attempts pass through.
//   - Open: attempts are rejected immediately.
//   - Half-Open: a few attempts probe whether the node recovered.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	// Zero allows one.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the failure
	// ratio is considered.
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached (0.0 - 1.0).
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in a
	// row. Zero disables the rule.
	ConsecutiveFailures uint32

	// Store shares state across processes. Nil keeps state in memory.
	Store gobreaker.SharedDataStore

	// Classifier decides which errors count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is called on every state transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker configuration:
//   - Interval: 10s
//   - Timeout: 10s
//   - FailureThreshold: 20
//   - FailureRatio: 0.5
//   - ConsecutiveFailures: 5
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DisabledBreakerConfig returns a configuration that never trips.
func DisabledBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: ^uint32(0),
		FailureRatio:     1.0,
		Classifier:       func(error) bool { return false },
	}
}

// DefaultBreakerClassifier counts unreachable nodes, timeouts and 5xx
// responses as failures. Client errors and caller cancellation are not the
// node's fault.
func DefaultBreakerClassifier(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var (
		connErr    *ConnectionError
		timeoutErr *ConnectionTimeout
		apiErr     *TransportError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &apiErr):
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// newCircuitBreaker builds the breaker of one connection, named after its
// node so that distributed state is shared per node.
func newCircuitBreaker(name string, cfg *internalConfig) CircuitBreaker {
	bc := cfg.breakerConfig
	classifier := bc.Classifier
	if classifier == nil {
		classifier = DefaultBreakerClassifier
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.Requests > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			return !classifier(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Metrics.recordBreakerState(context.Background(), name, int64(to))
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[interface{}](bc.Store, st)
		if err == nil {
			return dcb
		}
		// A local breaker still protects this process when the store is unusable.
		cfg.Logger.Warn().Err(err).Str("breaker", name).Msg("falling back to local circuit breaker")
	}
	return gobreaker.NewCircuitBreaker[interface{}](st)
}

// isBreakerRejection reports whether err comes from a breaker refusing the
// attempt rather than from the attempt itself.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
