package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// Ports reserves loopback listeners for code that binds by address. Addr
// binds a port right away, and Listen hands that listener over when the
// address is bound, so no parallel test can take the port in between.
// Addresses that were not reserved, or were already handed over, are bound
// normally.
type Ports struct {
	mu       sync.Mutex
	reserved map[string]net.Listener
	claimed  map[string]bool
}

func NewPorts(t *testing.T) *Ports {
	p := &Ports{
		reserved: make(map[string]net.Listener),
		claimed:  make(map[string]bool),
	}
	t.Cleanup(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, ln := range p.reserved {
			_ = ln.Close()
		}
	})
	return p
}

// Addr reserves a loopback port and returns its address.
func (p *Ports) Addr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	p.mu.Lock()
	p.reserved[addr] = ln
	p.mu.Unlock()
	return addr
}

// Listen matches proxy.ListenFunc.
func (p *Ports) Listen(ctx context.Context, addr string) (net.Listener, error) {
	p.mu.Lock()
	ln, ok := p.reserved[addr]
	if ok {
		delete(p.reserved, addr)
		p.claimed[addr] = true
	}
	p.mu.Unlock()
	if ok {
		return ln, nil
	}

	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// Claimed reports whether the reserved listener for addr was handed over.
func (p *Ports) Claimed(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed[addr]
}
