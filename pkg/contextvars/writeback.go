package contextvars

import (
	"context"
	"time"

	"github.com/blocunited/weave/pkg/workflow"
)

// FlushReason identifies which write policies a flush drains.
type FlushReason string

const (
	// FlushPhaseTransition drains immediate and on_phase_transition
	// writes.
	FlushPhaseTransition FlushReason = "phase_transition"
	// FlushSessionEnd drains everything still queued.
	FlushSessionEnd FlushReason = "session_end"
)

type deferredWrite struct {
	collection string
	name       string
	value      any
	policy     workflow.WritePolicy
	queuedAt   time.Time
}

// queueWrite records a data_entity mutation for deferred delivery.
// Immediate-policy writes are still queued rather than written inline so
// that Set never blocks on the external store; the session loop flushes
// them right after the owning turn. Caller holds the lock.
func (s *Store) queueWrite(v *workflow.VariableDef, value any) {
	policy := v.Source.DataEntity.Write
	if policy == "" {
		policy = workflow.WriteOnSessionEnd
	}
	s.queue = append(s.queue, deferredWrite{
		collection: v.Source.DataEntity.Collection,
		name:       v.Name,
		value:      value,
		policy:     policy,
		queuedAt:   s.opts.Now(),
	})
}

// PendingWrites reports how many deferred writes are queued.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush drains queued writes whose policy matches the reason. Writes
// that fail stay queued so a later flush can retry them; failures are
// logged, never fatal to the session.
func (s *Store) Flush(ctx context.Context, reason FlushReason) int {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	var flushed int
	var kept []deferredWrite
	for _, w := range pending {
		if !flushable(w.policy, reason) {
			kept = append(kept, w)
			continue
		}
		if s.opts.Writer == nil {
			s.opts.Logger.Warn().
				Str("variable", w.name).
				Msg("No data writer configured, dropping deferred write")
			continue
		}
		if err := s.opts.Writer.Write(ctx, w.collection, w.name, w.value); err != nil {
			s.opts.Logger.Error().
				Err(err).
				Str("variable", w.name).
				Str("collection", w.collection).
				Msg("Deferred write failed, requeueing")
			kept = append(kept, w)
			continue
		}
		flushed++
	}

	if len(kept) > 0 {
		s.mu.Lock()
		s.queue = append(kept, s.queue...)
		s.mu.Unlock()
	}

	if flushed > 0 {
		s.opts.Logger.Debug().
			Int("flushed", flushed).
			Str("reason", string(reason)).
			Msg("Deferred writes flushed")
	}
	return flushed
}

// FlushImmediate drains only immediate-policy writes. The session loop
// calls this after each turn that mutated a data_entity variable.
func (s *Store) FlushImmediate(ctx context.Context) int {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	var flushed int
	var kept []deferredWrite
	for _, w := range pending {
		if w.policy != workflow.WriteImmediate || s.opts.Writer == nil {
			kept = append(kept, w)
			continue
		}
		if err := s.opts.Writer.Write(ctx, w.collection, w.name, w.value); err != nil {
			s.opts.Logger.Error().
				Err(err).
				Str("variable", w.name).
				Msg("Immediate write failed, requeueing")
			kept = append(kept, w)
			continue
		}
		flushed++
	}

	if len(kept) > 0 {
		s.mu.Lock()
		s.queue = append(kept, s.queue...)
		s.mu.Unlock()
	}
	return flushed
}

func flushable(policy workflow.WritePolicy, reason FlushReason) bool {
	switch reason {
	case FlushSessionEnd:
		return true
	case FlushPhaseTransition:
		return policy == workflow.WriteImmediate || policy == workflow.WriteOnPhaseTransition
	}
	return false
}
