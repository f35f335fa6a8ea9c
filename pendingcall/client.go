package pendingcall

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Client wraps a node's outbound send path in a per-peer circuit breaker:
// after enough consecutive send failures to one peer, further calls fail
// fast instead of queuing up against a connection that is probably already
// dead.
type Client struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	newCB    func(name string) *gobreaker.CircuitBreaker[struct{}]
}

// NewClient builds a Client: the breaker trips after 5
// consecutive failures, half-open after 10s.
func NewClient() *Client {
	return &Client{
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		newCB: func(name string) *gobreaker.CircuitBreaker[struct{}] {
			return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     10 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			})
		},
	}
}

func (c *Client) breakerFor(peer string) *gobreaker.CircuitBreaker[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[peer]; ok {
		return cb
	}
	cb := c.newCB(peer)
	c.breakers[peer] = cb
	return cb
}

// Send executes send() through peer's breaker. It does not itself manage
// retries or timeouts; those stay the table's job.
func (c *Client) Send(peer string, send func() error) error {
	cb := c.breakerFor(peer)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, send()
	})
	if err != nil {
		return fmt.Errorf("pendingcall: send to %s: %w", peer, err)
	}
	return nil
}
