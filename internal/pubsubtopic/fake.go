package pubsubtopic

import (
	"context"
	"sync"

	"github.com/priorauth/browseragent/internal/domain"
)

// FakePublisher records published messages in call order, for tests that
// need to assert on ordering and content without a live Pub/Sub project.
type FakePublisher struct {
	mu       sync.Mutex
	Messages []domain.WorkMessage
	FailOn   int // 1-indexed call number to fail, 0 disables
	calls    int
}

func (f *FakePublisher) Publish(_ context.Context, msg domain.WorkMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.FailOn != 0 && f.calls == f.FailOn {
		return errPublishInjected
	}
	f.Messages = append(f.Messages, msg)
	return nil
}

var errPublishInjected = &publishError{"injected publish failure"}

type publishError struct{ msg string }

func (e *publishError) Error() string { return e.msg }
