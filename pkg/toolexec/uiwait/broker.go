// Package uiwait coordinates tools that suspend their session until a
// human responds. A suspending tool registers a wait with the broker and
// blocks on the returned channel; the transport layer delivers the
// human's answer through Respond. Only the owning session's turn
// processing blocks; every other session is unaffected.
package uiwait

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoWaiter is returned when a response arrives for a wait that
	// does not exist (already answered, timed out or never registered).
	ErrNoWaiter = errors.New("no pending wait for id")
	// ErrDuplicateWait is returned when a wait id is registered twice.
	ErrDuplicateWait = errors.New("wait id already registered")
	// ErrTimeout is returned from Await when the human does not answer
	// within the wait's deadline.
	ErrTimeout = errors.New("wait timed out")
	// ErrCancelled is returned from Await when the wait is withdrawn,
	// typically because the session is aborting.
	ErrCancelled = errors.New("wait cancelled")
)

type waiter struct {
	ch     chan map[string]any
	chatID string
}

// Broker is the process-wide registry of pending human-input waits.
type Broker struct {
	logger zerolog.Logger

	mu    sync.Mutex
	waits map[string]*waiter
}

// NewBroker creates an empty broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		logger: logger,
		waits:  make(map[string]*waiter),
	}
}

// Await registers a wait and blocks until a response, the timeout, a
// cancellation or context expiry. The wait is always deregistered before
// Await returns.
func (b *Broker) Await(ctx context.Context, id, chatID string, timeout time.Duration) (map[string]any, error) {
	w := &waiter{ch: make(chan map[string]any, 1), chatID: chatID}

	b.mu.Lock()
	if _, exists := b.waits[id]; exists {
		b.mu.Unlock()
		return nil, ErrDuplicateWait
	}
	b.waits[id] = w
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waits, id)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-w.ch:
		if !ok {
			return nil, ErrCancelled
		}
		return payload, nil
	case <-timer.C:
		b.logger.Warn().
			Str("wait_id", id).
			Str("chat_id", chatID).
			Dur("timeout", timeout).
			Msg("Human input wait timed out")
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond delivers the human's answer to a pending wait.
func (b *Broker) Respond(id string, payload map[string]any) error {
	b.mu.Lock()
	w, ok := b.waits[id]
	if ok {
		delete(b.waits, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNoWaiter
	}
	w.ch <- payload
	return nil
}

// Cancel withdraws a pending wait; the blocked Await returns
// ErrCancelled. Unknown ids are ignored.
func (b *Broker) Cancel(id string) {
	b.mu.Lock()
	w, ok := b.waits[id]
	if ok {
		delete(b.waits, id)
	}
	b.mu.Unlock()

	if ok {
		close(w.ch)
	}
}

// CancelChat withdraws every pending wait belonging to a chat. Called
// when a session aborts so its suspended tools unblock immediately.
func (b *Broker) CancelChat(chatID string) {
	b.mu.Lock()
	var cancelled []*waiter
	for id, w := range b.waits {
		if w.chatID == chatID {
			delete(b.waits, id)
			cancelled = append(cancelled, w)
		}
	}
	b.mu.Unlock()

	for _, w := range cancelled {
		close(w.ch)
	}
}

// Pending reports the number of registered waits.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waits)
}
