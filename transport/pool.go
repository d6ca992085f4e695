package transport

import (
	"context"
	"sync"
	"time"
)

// Pool tracks every live Adapter/Driver pair so a periodic sweep can
// enforce the idle-close policy: a connection past its keep-alive
// deadline with no response in flight is closed.
type Pool struct {
	mu    sync.Mutex
	conns map[*Adapter]Driver
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[*Adapter]Driver)}
}

// Track registers a connection for idle sweeping. Call once per accepted
// connection, after SetDriver and before Start.
func (p *Pool) Track(a *Adapter, d Driver) {
	p.mu.Lock()
	p.conns[a] = d
	p.mu.Unlock()
}

// Untrack removes a connection, typically from its own close path.
func (p *Pool) Untrack(a *Adapter) {
	p.mu.Lock()
	delete(p.conns, a)
	p.mu.Unlock()
}

// Sweep closes every tracked connection that is idle (no response in
// flight) and past its keep-alive deadline.
func (p *Pool) Sweep(now time.Time) {
	p.mu.Lock()
	snapshot := make(map[*Adapter]Driver, len(p.conns))
	for a, d := range p.conns {
		snapshot[a] = d
	}
	p.mu.Unlock()

	for a, d := range snapshot {
		if d.ResponseInFlight() {
			continue
		}
		deadline, ok := d.KeepAliveDeadline()
		if !ok || now.Before(deadline) {
			continue
		}
		_ = a.Close()
		p.Untrack(a)
	}
}

// Run sweeps on interval until ctx is cancelled. Intended to be started
// once per Server in its own goroutine.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.Sweep(t)
		}
	}
}

// Len reports the number of tracked connections (test/observability
// convenience).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
