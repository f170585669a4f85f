package scanner

import (
	"sync"
	"sync/atomic"
)

const (
	gateOpen int32 = iota
	gateFired
	gateClosed
)

// Gate lets at most one result through. The first non-empty result tears
// down the session and is then handed to the callback. Later results,
// and results after Close, are ignored.
type Gate struct {
	state      atomic.Int32
	teardown   func()
	onDetected func(DecodeResult)
	once       sync.Once
}

// NewGate returns an open gate. Either function may be nil.
func NewGate(teardown func(), onDetected func(DecodeResult)) *Gate {
	return &Gate{teardown: teardown, onDetected: onDetected}
}

// Offer passes r through the gate and returns whether it fired. Teardown
// completes before the callback is called. Offer is safe to call
// concurrently.
func (g *Gate) Offer(r DecodeResult) bool {
	if r.Text == "" {
		return false
	}
	if !g.state.CompareAndSwap(gateOpen, gateFired) {
		return false
	}
	g.stop()
	if g.onDetected != nil {
		g.onDetected(r)
	}
	return true
}

// Fired returns whether a result went through.
func (g *Gate) Fired() bool {
	return g.state.Load() == gateFired
}

// Close tears down without firing. Close may be called more than once, and
// after the gate fired.
func (g *Gate) Close() {
	g.state.CompareAndSwap(gateOpen, gateClosed)
	g.stop()
}

func (g *Gate) stop() {
	g.once.Do(func() {
		if g.teardown != nil {
			g.teardown()
		}
	})
}
