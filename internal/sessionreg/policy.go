package sessionreg

import (
	"fmt"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/security"
)

// SessionPolicy decides how a session-id is chosen for a create() call
// with no caller-supplied id, per §4.3 and §9's re-design note: the same
// C1-C4 contracts back both a fixed pool of named slots and a
// single-session mode.
type SessionPolicy interface {
	// NextID returns the session-id to use for a new session, given the
	// ids currently held by the registry. existing() must be called
	// while the registry's lock is held by the caller.
	NextID(existing func() []string) (string, error)
}

// FixedPool assigns a fresh session-id from a fixed set of Size names
// ("session-0".."session-{Size-1}"), first-free selection.
type FixedPool struct {
	Size int
}

// NextID returns the lowest-numbered name not already in use.
func (p FixedPool) NextID(existing func() []string) (string, error) {
	used := make(map[string]bool)
	for _, id := range existing() {
		used[id] = true
	}
	for i := 0; i < p.Size; i++ {
		candidate := fmt.Sprintf("session-%d", i)
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", apperrors.NewPoolExhaustedError()
}

// Single allows at most one session at a time, named with a freshly
// generated 64-bit random value formatted xxxx-xxxx-xxxx-xxxx.
type Single struct{}

// NextID fails AlreadyInUse if any session exists.
func (Single) NextID(existing func() []string) (string, error) {
	if len(existing()) > 0 {
		return "", apperrors.ErrAlreadyInUse
	}
	return security.GenerateSessionID()
}
