package resources

import (
	"fmt"
	"net"
	"sync"

	"voice-orchestrator/backend/internal/errs"
)

// PortAllocator hands out local TCP ports at or above a base port. A port
// is free when nothing listens on it and no other owner holds it.
type PortAllocator struct {
	mu       sync.Mutex
	base     int
	attempts int
	owners   map[int]string
}

// NewPortAllocator creates an allocator probing attempts ports from base.
func NewPortAllocator(base, attempts int) *PortAllocator {
	if attempts <= 0 {
		attempts = 100
	}
	return &PortAllocator{base: base, attempts: attempts, owners: make(map[int]string)}
}

// Base returns the first port considered.
func (p *PortAllocator) Base() int { return p.base }

// Allocate reserves the first free port for owner. An owner holding a port
// already gets the same port back.
func (p *PortAllocator) Allocate(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port, o := range p.owners {
		if o == owner {
			return port, nil
		}
	}
	for port := p.base; port < p.base+p.attempts; port++ {
		if _, taken := p.owners[port]; taken {
			continue
		}
		if !portFree(port) {
			continue
		}
		p.owners[port] = owner
		return port, nil
	}
	return 0, errs.Resource("no available port in range %d-%d", p.base, p.base+p.attempts-1)
}

// Release frees the port held by owner, if any.
func (p *PortAllocator) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port, o := range p.owners {
		if o == owner {
			delete(p.owners, port)
		}
	}
}

// Owner returns the owner of port.
func (p *PortAllocator) Owner(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.owners[port]
	return o, ok
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
