package market

import (
	"sync"

	"tri_trader/internal/core"
)

// StatusBoard tracks the per-asset busy flag, the sole mutual exclusion
// between rotations. The flag is set before an execution's first leg is
// submitted and cleared only after its terminal state; flags always start
// all-false on process start.
type StatusBoard struct {
	mu   sync.Mutex
	busy map[core.Asset]bool
}

func NewStatusBoard(assets []core.Asset) *StatusBoard {
	busy := make(map[core.Asset]bool, len(assets))
	for _, a := range assets {
		busy[a] = false
	}
	return &StatusBoard{busy: busy}
}

// Busy reports whether the asset is currently the sold leg of a running
// execution.
func (b *StatusBoard) Busy(asset core.Asset) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy[asset]
}

// TryAcquire marks the asset busy. Returns false if it already was.
func (b *StatusBoard) TryAcquire(asset core.Asset) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[asset] {
		return false
	}
	b.busy[asset] = true
	return true
}

// Release clears the busy flag.
func (b *StatusBoard) Release(asset core.Asset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy[asset] = false
}
