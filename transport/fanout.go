package transport

import (
	"bytes"
	"context"
	"sync"
)

// Fanout is the callback list behind one broker subscription. Broker
// transports hold one per subscribed topic so repeated Subscribe calls on a
// topic share a single broker subscription.
type Fanout struct {
	mu  sync.RWMutex
	cbs []Callback
}

// NewFanout returns a list holding cb.
func NewFanout(cb Callback) *Fanout {
	return &Fanout{cbs: []Callback{cb}}
}

// Add appends cb.
func (f *Fanout) Add(cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cbs = append(f.cbs, cb)
}

// Len returns the number of callbacks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cbs)
}

// Deliver calls every callback in subscription order. Each callback but the
// last receives its own copy of data.
func (f *Fanout) Deliver(ctx context.Context, topic string, data []byte) {
	f.mu.RLock()
	cbs := f.cbs
	f.mu.RUnlock()

	for i, cb := range cbs {
		msg := data
		if i < len(cbs)-1 {
			msg = bytes.Clone(data)
		}
		cb(ctx, topic, msg)
	}
}
