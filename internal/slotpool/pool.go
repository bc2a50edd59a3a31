// Package slotpool implements the Slot Allocator (C1): atomic
// allocation/release of (session-id -> display, vnc-port, web-port,
// user-data-dir) tuples from a bounded pool.
package slotpool

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/domain"
)

// Pool is a fixed array of N slot tuples. Allocation always returns the
// lowest-indexed free slot; the pool does not verify that the underlying
// ports are actually free on the host — the Process Supervisor (C2) must
// reconcile that.
type Pool struct {
	mu    sync.Mutex
	free  []bool // free[i] == true means slot i is available
	slots []domain.Slot

	// availableCount mirrors len(free-true) for lock-free Available() reads.
	availableCount atomic.Int32
}

// New builds a Pool of cfg.SlotPoolSize slots, all free, with ports and
// directories derived from the configured bases.
func New(cfg *config.Config) *Pool {
	p := &Pool{
		free:  make([]bool, cfg.SlotPoolSize),
		slots: make([]domain.Slot, cfg.SlotPoolSize),
	}

	for i := 0; i < cfg.SlotPoolSize; i++ {
		p.free[i] = true
		p.slots[i] = domain.Slot{
			Index:      i,
			DisplayNum: cfg.BaseDisplay + i,
			VNCPort:    cfg.BaseVNCPort + i,
			WebPort:    cfg.BaseWebPort + i,
		}
	}
	p.availableCount.Store(int32(cfg.SlotPoolSize))

	log.Info().Int("pool_size", cfg.SlotPoolSize).Msg("slot pool initialized")

	return p
}

// Acquire returns the lowest-indexed free slot, populated with a
// user-data-dir and downloads-dir derived from sessionID, or
// PoolExhausted if none are free.
func (p *Pool) Acquire(cfg *config.Config, sessionID string) (domain.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, isFree := range p.free {
		if !isFree {
			continue
		}
		p.free[i] = false
		p.availableCount.Add(-1)

		slot := p.slots[i]
		slot.UserDataDir = filepath.Join(cfg.ProfilesDir, sessionID)
		slot.DownloadsDir = filepath.Join(slot.UserDataDir, "downloads")

		log.Debug().
			Int("slot_index", i).
			Str("session_id", sessionID).
			Int("display_num", slot.DisplayNum).
			Msg("slot acquired")

		return slot, nil
	}

	return domain.Slot{}, apperrors.NewPoolExhaustedError()
}

// Release returns a slot to the free set. Releasing an already-free slot
// or an out-of-range index is a no-op (idempotent, matching stop_session's
// idempotency requirement at the session layer).
func (p *Pool) Release(slot domain.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot.Index < 0 || slot.Index >= len(p.free) {
		log.Warn().Int("slot_index", slot.Index).Msg("release called with out-of-range slot index")
		return
	}
	if p.free[slot.Index] {
		return
	}
	p.free[slot.Index] = true
	p.availableCount.Add(1)

	log.Debug().Int("slot_index", slot.Index).Msg("slot released")
}

// Available returns the number of currently-free slots without blocking
// on the pool's mutex.
func (p *Pool) Available() int {
	return int(p.availableCount.Load())
}

// Size returns the total pool capacity.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// String renders the pool's size and availability for logging, without
// filesystem paths.
func (p *Pool) String() string {
	return fmt.Sprintf("slotpool{size=%d, available=%d}", p.Size(), p.Available())
}
