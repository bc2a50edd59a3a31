// Package sessionreg implements the Session Registry (C3): a process-wide
// map of session-id -> SessionRecord, composing the Slot Allocator (C1)
// and Process Supervisor (C2) on create, and tearing both down on delete.
package sessionreg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/procsup"
	"github.com/priorauth/browseragent/internal/slotpool"
)

// maxPageReferences bounds concurrent page references per session,
// guarding against runaway growth from a stuck agent loop.
const maxPageReferences = 100

// Entry is the Registry's owned record for one session. The Agent Runner
// (C4) holds only a non-owning *Entry pointer while running; the Registry
// is the sole owner of creation and teardown.
type Entry struct {
	Record domain.SessionRecord
	Handle *procsup.BrowserHandle

	mu       sync.Mutex // guards Page access below
	page     *rod.Page
	refCount atomic.Int32
	closing  atomic.Bool

	// opMu serializes agent run/pause/resume/stop against each other.
	opMu sync.Mutex

	lastUsed atomic.Int64
}

// SessionID satisfies agentrunner.SessionBinding.
func (e *Entry) SessionID() string { return e.Record.SessionID }

// AcquireEventSink satisfies agentrunner.SessionBinding: it returns a
// closure the Agent Runner uses to surface tool-level events (e.g. file
// uploads) against this session without the registry depending on the
// agent runner package.
func (e *Entry) AcquireEventSink() func(event string, payload map[string]any) {
	sessionID := e.Record.SessionID
	return func(event string, payload map[string]any) {
		log.Info().Str("session_id", sessionID).Str("event", event).Interface("payload", payload).Msg("session event")
	}
}

// Touch records an access for TTL/cleanup purposes.
func (e *Entry) Touch() { e.lastUsed.Store(time.Now().UnixNano()) }

// LastUsedTime returns the last recorded access time.
func (e *Entry) LastUsedTime() time.Time { return time.Unix(0, e.lastUsed.Load()) }

// LockOperation serializes agent commands against this session.
func (e *Entry) LockOperation() { e.opMu.Lock() }

// UnlockOperation releases the operation lock.
func (e *Entry) UnlockOperation() { e.opMu.Unlock() }

// AcquirePage returns the session's page with reference counting, or nil
// if the session is tearing down, has no page, or is at the reference cap.
// Callers MUST call ReleasePage when done.
func (e *Entry) AcquirePage() *rod.Page {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing.Load() || e.page == nil {
		return nil
	}
	if e.refCount.Load() >= maxPageReferences {
		log.Warn().Str("session_id", e.Record.SessionID).Msg("AcquirePage: maximum page references reached")
		return nil
	}
	e.refCount.Add(1)
	return e.page
}

// ReleasePage decrements the reference count after AcquirePage.
func (e *Entry) ReleasePage() {
	if newCount := e.refCount.Add(-1); newCount < 0 {
		e.refCount.Store(0)
		log.Error().Str("session_id", e.Record.SessionID).Msg("ReleasePage: ref count went negative, resetting to 0")
	}
}

func (e *Entry) waitForReferences(timeout time.Duration) bool {
	if e.refCount.Load() <= 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.refCount.Load() <= 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Registry is the Session Registry (C3).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry

	cfg        *config.Config
	policy     SessionPolicy
	slots      *slotpool.Pool
	supervisor *procsup.Supervisor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Registry backed by the given slot pool and process
// supervisor, using policy to choose session-ids when none is supplied.
func New(cfg *config.Config, policy SessionPolicy, slots *slotpool.Pool, supervisor *procsup.Supervisor) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Entry),
		cfg:        cfg,
		policy:     policy,
		slots:      slots,
		supervisor: supervisor,
		stopCh:     make(chan struct{}),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.cleanupRoutine()
	}()

	return r
}

// Create composes Slot Allocator -> Process Supervisor -> registration.
// On any failure the slot is released and any partial processes are
// cleaned up before the error is returned. If sessionID is empty, one is
// chosen via the configured SessionPolicy.
func (r *Registry) Create(ctx context.Context, sessionID string) (*Entry, error) {
	r.mu.Lock()
	if sessionID == "" {
		id, err := r.policy.NextID(r.listLocked)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		sessionID = id
	} else if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return nil, apperrors.ErrSessionAlreadyExists
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, apperrors.ErrTooManySessions
	}
	// Reserve the id immediately so a concurrent Create can't race us for
	// the same name while we allocate the slot and start the process chain.
	placeholder := &Entry{Record: domain.SessionRecord{SessionID: sessionID, State: domain.SessionAllocating}}
	r.sessions[sessionID] = placeholder
	r.mu.Unlock()

	slot, err := r.slots.Acquire(r.cfg, sessionID)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, err
	}

	handle, err := r.supervisor.StartSession(ctx, sessionID, slot)
	if err != nil {
		r.slots.Release(slot)
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, err
	}

	page, err := handle.Page()
	if err != nil {
		r.supervisor.StopSession(handle)
		r.slots.Release(slot)
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, apperrors.NewBrowserAttachFailedError(sessionID, 0, err)
	}

	now := time.Now()
	entry := &Entry{
		Record: domain.SessionRecord{
			SessionID: sessionID,
			Slot:      slot,
			State:     domain.SessionReady,
			CreatedAt: now,
			LastUsed:  now,
		},
		Handle: handle,
		page:   page,
	}
	entry.Touch()

	r.mu.Lock()
	r.sessions[sessionID] = entry
	r.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Int("display_num", slot.DisplayNum).
		Msg("session registered")

	return entry, nil
}

// Get retrieves a session by id, touching its last-used time. Returns
// SessionNotFound if the session doesn't exist or is tearing down.
func (r *Registry) Get(sessionID string) (*Entry, error) {
	r.mu.RLock()
	entry, exists := r.sessions[sessionID]
	if !exists {
		r.mu.RUnlock()
		return nil, apperrors.ErrSessionNotFound
	}
	isClosing := entry.closing.Load()
	r.mu.RUnlock()

	if isClosing || entry.Record.State == domain.SessionAllocating {
		return nil, apperrors.ErrSessionNotFound
	}

	entry.Touch()
	return entry, nil
}

// Delete composes: stop agent if any -> stop browser handle -> Process
// Supervisor cleanup -> release Slot -> remove record.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	entry, exists := r.sessions[sessionID]
	if exists {
		entry.closing.Store(true)
	}
	r.mu.Unlock()

	if !exists {
		return apperrors.ErrSessionNotFound
	}

	entry.Record.State = domain.SessionTearingDown

	if !entry.waitForReferences(5 * time.Second) {
		log.Warn().Str("session_id", sessionID).Msg("delete: timed out waiting for page references, proceeding anyway")
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	entry.mu.Lock()
	entry.page = nil
	entry.mu.Unlock()

	if err := r.supervisor.StopSession(entry.Handle); err != nil {
		log.Error().Str("session_id", sessionID).Err(err).Msg("supervisor cleanup reported an error during delete")
	}
	r.slots.Release(entry.Record.Slot)

	log.Info().
		Str("session_id", sessionID).
		Dur("lifetime", time.Since(entry.Record.CreatedAt)).
		Msg("session deleted")

	return nil
}

// List returns a snapshot of the currently registered session-ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []string {
	ids := make([]string, 0, len(r.sessions))
	for id, entry := range r.sessions {
		if entry.Record.State == domain.SessionAllocating {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) cleanupRoutine() {
	ticker := time.NewTicker(r.cfg.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanupExpired()
		case <-r.stopCh:
			return
		}
	}
}

// cleanupExpired reaps sessions whose last activity exceeds the TTL while
// they are not mid-agent-run (AgentRunning/AgentPaused sessions are left
// alone; an operator must stop the agent explicitly).
func (r *Registry) cleanupExpired() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Entry
	for id, entry := range r.sessions {
		if entry.Record.State == domain.SessionAgentRunning || entry.Record.State == domain.SessionAgentPaused {
			continue
		}
		if now.Sub(entry.LastUsedTime()) > r.cfg.SessionTTL {
			entry.closing.Store(true)
			expired = append(expired, entry)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, entry := range expired {
		e := entry
		eg.Go(func() error {
			if !e.waitForReferences(2 * time.Second) {
				log.Warn().Str("session_id", e.Record.SessionID).Msg("cleanup: references still held, proceeding anyway")
			}
			e.mu.Lock()
			e.page = nil
			e.mu.Unlock()

			if err := r.supervisor.StopSession(e.Handle); err != nil {
				log.Error().Str("session_id", e.Record.SessionID).Err(err).Msg("cleanup: supervisor teardown error")
			}
			r.slots.Release(e.Record.Slot)
			log.Info().Str("session_id", e.Record.SessionID).Msg("session expired and cleaned up")
			return nil
		})
	}
	_ = eg.Wait()
}

// Close shuts down the registry and tears down all remaining sessions.
func (r *Registry) Close() error {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.sessions = make(map[string]*Entry)
	r.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, entry := range entries {
		e := entry
		eg.Go(func() error {
			e.mu.Lock()
			e.page = nil
			e.mu.Unlock()
			if err := r.supervisor.StopSession(e.Handle); err != nil {
				log.Error().Str("session_id", e.Record.SessionID).Err(err).Msg("shutdown: supervisor teardown error")
			}
			r.slots.Release(e.Record.Slot)
			return nil
		})
	}
	_ = eg.Wait()

	log.Info().Msg("session registry closed")
	return nil
}
