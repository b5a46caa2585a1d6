// Package gatewaytest provides a scriptable gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/pinshare/pinshare/internal/gateway"
)

// Gateway records every add and answers with Path or Err.
type Gateway struct {
	mu       sync.Mutex
	path     string
	err      error
	panicMsg any
	block    chan struct{}
	received [][]byte
	started  chan struct{}
}

// New returns a gateway that answers every add with path.
func New(path string) *Gateway {
	return &Gateway{path: path, started: make(chan struct{}, 16)}
}

// FailWith makes subsequent adds return err.
func (g *Gateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// PanicWith makes subsequent adds panic with v.
func (g *Gateway) PanicWith(v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panicMsg = v
}

// Block makes subsequent adds wait until Release is called.
func (g *Gateway) Block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.block = make(chan struct{})
}

// Release unblocks adds waiting after Block.
func (g *Gateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.block != nil {
		close(g.block)
		g.block = nil
	}
}

// Started is signalled each time an add begins.
func (g *Gateway) Started() <-chan struct{} {
	return g.started
}

// Received returns the payloads of every add so far.
func (g *Gateway) Received() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.received...)
}

func (g *Gateway) Name() string { return "fake" }

func (g *Gateway) Add(ctx context.Context, _ string, data []byte) (gateway.AddResult, error) {
	g.mu.Lock()
	g.received = append(g.received, data)
	block, path, err, panicMsg := g.block, g.path, g.err, g.panicMsg
	g.mu.Unlock()

	select {
	case g.started <- struct{}{}:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return gateway.AddResult{}, ctx.Err()
		}
	}
	if panicMsg != nil {
		panic(panicMsg)
	}
	if err != nil {
		return gateway.AddResult{}, err
	}
	return gateway.AddResult{Path: path}, nil
}
