package sessionreg

import (
	"errors"
	"testing"

	"github.com/priorauth/browseragent/internal/apperrors"
)

func noExisting() []string { return nil }

func TestFixedPoolAssignsLowestFreeName(t *testing.T) {
	p := FixedPool{Size: 3}

	id, err := p.NextID(noExisting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "session-0" {
		t.Errorf("expected session-0, got %q", id)
	}
}

func TestFixedPoolSkipsUsedNames(t *testing.T) {
	p := FixedPool{Size: 3}
	existing := func() []string { return []string{"session-0", "session-1"} }

	id, err := p.NextID(existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "session-2" {
		t.Errorf("expected session-2, got %q", id)
	}
}

func TestFixedPoolExhausted(t *testing.T) {
	p := FixedPool{Size: 2}
	existing := func() []string { return []string{"session-0", "session-1"} }

	_, err := p.NextID(existing)
	if err == nil {
		t.Fatal("expected pool-exhausted error")
	}
	if !errors.Is(err, apperrors.ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestSingleAllowsFirstSession(t *testing.T) {
	s := Single{}

	id, err := s.NextID(noExisting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != 19 { // xxxx-xxxx-xxxx-xxxx
		t.Errorf("expected a 19-char dash-grouped id, got %q (len %d)", id, len(id))
	}
}

func TestSingleRejectsSecondSession(t *testing.T) {
	s := Single{}
	existing := func() []string { return []string{"abcd-ef01-2345-6789"} }

	_, err := s.NextID(existing)
	if !errors.Is(err, apperrors.ErrAlreadyInUse) {
		t.Errorf("expected ErrAlreadyInUse, got %v", err)
	}
}
