package download

import (
	"context"
	"sync"
)

// GateStatus is a snapshot of the execution gate
type GateStatus struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
}

// Gate bounds the number of in-flight transfers. Its capacity can change at
// any time; shrinking never preempts holders, it only delays new admissions
// until enough slots are released.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	// closed and replaced whenever a slot frees up or capacity grows
	changed chan struct{}
}

// NewGate creates a gate with capacity slots (at least one)
func NewGate(capacity int) *Gate {
	return &Gate{
		capacity: max(1, capacity),
		changed:  make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inUse < g.capacity {
			g.inUse++
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire takes a slot if one is free
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.capacity {
		return false
	}
	g.inUse++
	return true
}

// Release frees a slot
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse == 0 {
		panic("download: gate released more than acquired")
	}
	g.inUse--
	g.broadcastLocked()
}

// Resize sets the capacity for future admissions
func (g *Gate) Resize(capacity int) {
	capacity = max(1, capacity)

	g.mu.Lock()
	defer g.mu.Unlock()
	if capacity == g.capacity {
		return
	}
	grew := capacity > g.capacity
	g.capacity = capacity
	if grew {
		g.broadcastLocked()
	}
}

func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Status returns capacity and slots in use
func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStatus{Capacity: g.capacity, InUse: g.inUse}
}
