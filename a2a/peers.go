package a2a

import (
	"context"
	"sync"
)

// Peers is a named collection of peer clients. Peers are added during
// startup wiring; lookups and health checks run concurrently afterwards.
type Peers struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPeers creates an empty peer set.
func NewPeers() *Peers {
	return &Peers{clients: make(map[string]*Client)}
}

// Add registers a peer under the given name, replacing any previous
// client with that name.
func (p *Peers) Add(name string, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[name] = client
}

// Get returns the peer client with the given name.
func (p *Peers) Get(name string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}

// Names returns the registered peer names.
func (p *Peers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll fans out health checks to every peer and reports, per
// peer, whether it declared itself healthy.
func (p *Peers) HealthCheckAll(ctx context.Context) map[string]bool {
	p.mu.RLock()
	clients := make(map[string]*Client, len(p.clients))
	for name, c := range p.clients {
		clients[name] = c
	}
	p.mu.RUnlock()

	out := make(map[string]bool, len(clients))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, c := range clients {
		wg.Add(1)
		go func(name string, c *Client) {
			defer wg.Done()
			health := c.Health(ctx)
			status, _ := health["status"].(string)
			mu.Lock()
			out[name] = status == "healthy"
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return out
}
