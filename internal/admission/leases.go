package admission

import "sync"

// Leases tracks chips currently driven by a worker goroutine of this process,
// so parallel workers never use the same chip at once.
type Leases struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func NewLeases() *Leases {
	return &Leases{held: make(map[int64]struct{})}
}

// TryLease takes the chip if no other worker holds it.
func (l *Leases) TryLease(chipID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[chipID]; ok {
		return false
	}
	l.held[chipID] = struct{}{}
	return true
}

func (l *Leases) Release(chipID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, chipID)
}
