package contextvars

import (
	"context"
	"fmt"
	"time"

	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/pkg/workflow"
)

const (
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 2 * time.Second
)

// fetchExternal serves an external variable from the TTL cache or fetches
// it with capped exponential backoff. Caller holds the lock; the fetch
// itself runs without it so a slow service does not stall readers of
// other variables beyond this session.
func (s *Store) fetchExternal(ctx context.Context, v *workflow.VariableDef) (any, error) {
	src := v.Source.External

	if entry, ok := s.ext[v.Name]; ok {
		if src.TTL <= 0 || s.opts.Now().Sub(entry.fetchedAt) < src.TTL {
			return entry.value, nil
		}
	}

	if s.opts.Fetcher == nil {
		return nil, fmt.Errorf("no external fetcher supplied for %q", v.Name)
	}

	value, err := s.fetchWithRetry(ctx, src)
	observability.RecordExternalFetch(v.Name, err == nil)
	if err != nil {
		// Serve stale on fetch failure when we have anything at all.
		if entry, ok := s.ext[v.Name]; ok {
			s.opts.Logger.Warn().
				Err(err).
				Str("variable", v.Name).
				Str("service", src.Service).
				Msg("External fetch failed, serving stale value")
			return entry.value, nil
		}
		return nil, fmt.Errorf("external fetch %q: %w", v.Name, err)
	}

	s.ext[v.Name] = extEntry{value: value, fetchedAt: s.opts.Now()}
	return value, nil
}

func (s *Store) fetchWithRetry(ctx context.Context, src *workflow.ExternalSource) (any, error) {
	attempts := src.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := baseBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := s.opts.Fetcher.Fetch(ctx, src.Service)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt == attempts || ctx.Err() != nil {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return nil, lastErr
}
