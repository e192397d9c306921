package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultDeleteAge   = 7 * 24 * time.Hour
	DefaultMaxEvents   = 500
)

// Retention archives journals of idle chats and eventually deletes the
// archived ones. Live journals are also pruned to a maximum event count.
type Retention struct {
	journal     *Journal
	idleTimeout time.Duration
	deleteAge   time.Duration
	maxEvents   int
	logger      zerolog.Logger
	stopCh      chan struct{}
	running     bool
}

// NewRetention creates a retention loop over a journal.
func NewRetention(journal *Journal, idleTimeout, deleteAge time.Duration, logger zerolog.Logger) *Retention {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if deleteAge <= 0 {
		deleteAge = DefaultDeleteAge
	}
	return &Retention{
		journal:     journal,
		idleTimeout: idleTimeout,
		deleteAge:   deleteAge,
		maxEvents:   DefaultMaxEvents,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the retention loop.
func (r *Retention) Start() error {
	if r.running {
		return fmt.Errorf("retention is already running")
	}
	r.running = true
	go r.run()

	r.logger.Info().
		Dur("idle_timeout", r.idleTimeout).
		Dur("delete_age", r.deleteAge).
		Msg("Journal retention started")
	return nil
}

// Stop stops the retention loop.
func (r *Retention) Stop() error {
	if !r.running {
		return fmt.Errorf("retention is not running")
	}
	close(r.stopCh)
	r.running = false

	r.logger.Info().Msg("Journal retention stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (r *Retention) IsRunning() bool {
	return r.running
}

func (r *Retention) run() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				r.logger.Error().Err(err).Msg("Journal retention sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs one retention pass: prune, archive idle, delete expired.
func (r *Retention) Sweep() error {
	chats, err := r.journal.Chats()
	if err != nil {
		return fmt.Errorf("failed to list journals: %w", err)
	}

	now := time.Now()
	archived := 0
	deleted := 0

	for _, chatID := range chats {
		if err := r.prune(chatID); err != nil {
			r.logger.Warn().
				Str("chat_id", chatID).
				Err(err).
				Msg("Failed to prune journal")
		}

		modTime, err := r.journal.modTime(chatID)
		if err != nil {
			continue
		}
		age := now.Sub(modTime)

		if IsArchived(chatID) {
			if age >= r.deleteAge {
				if err := r.journal.Delete(chatID); err != nil {
					r.logger.Error().
						Str("chat_id", chatID).
						Err(err).
						Msg("Failed to delete archived journal")
					continue
				}
				deleted++
			}
			continue
		}

		if age >= r.idleTimeout {
			if err := r.journal.Archive(chatID); err != nil {
				r.logger.Error().
					Str("chat_id", chatID).
					Err(err).
					Msg("Failed to archive journal")
				continue
			}
			archived++
		}
	}

	if archived > 0 || deleted > 0 {
		r.logger.Info().
			Int("archived", archived).
			Int("deleted", deleted).
			Msg("Journal retention sweep complete")
	}
	return nil
}

func (r *Retention) prune(chatID string) error {
	if r.maxEvents <= 0 {
		return nil
	}

	events, err := r.journal.Replay(context.Background(), chatID)
	if err != nil {
		return err
	}
	if len(events) <= r.maxEvents {
		return nil
	}

	kept := events[len(events)-r.maxEvents:]
	if err := r.journal.Replace(chatID, kept); err != nil {
		return err
	}

	r.logger.Debug().
		Str("chat_id", chatID).
		Int("from_events", len(events)).
		Int("to_events", len(kept)).
		Msg("Journal pruned")
	return nil
}

// SetMaxEvents sets max events retained per chat after pruning.
func (r *Retention) SetMaxEvents(maxEvents int) {
	r.maxEvents = maxEvents
}
