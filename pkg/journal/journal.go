// Package journal persists the turn event stream. Every event a session
// publishes is appended to its chat's JSONL journal, so the stream can be
// replayed after a restart and the derivation engine re-applied to the
// same events in the same order.
//
// Invariants:
// - Chat ids are validated and path-safe.
// - Writes for the same chat are serialized.
// - Corrupt lines are skipped on replay, never fatal.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/internal/tracing"
	"github.com/blocunited/weave/pkg/turn"
)

const archivedPrefix = "archived_"

// Journal is an append-only store of turn events, one JSONL file per
// chat. It implements turn.Sink.
type Journal struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a journal rooted at dir.
func New(dir string, logger zerolog.Logger) (*Journal, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".weave", "journal")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}
	logger.Info().Str("dir", dir).Msg("Turn journal initialized")
	return j, nil
}

// validateChatID keeps chat ids path-safe. Pack children use colons in
// their derived ids; those are fine, separators and traversal are not.
func validateChatID(chatID string) error {
	if chatID == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if strings.Contains(chatID, "..") {
		return fmt.Errorf("chat id cannot contain '..'")
	}
	if strings.ContainsAny(chatID, "/\\") {
		return fmt.Errorf("chat id cannot contain path separators")
	}
	if strings.Contains(chatID, "\x00") {
		return fmt.Errorf("chat id cannot contain null bytes")
	}
	return nil
}

func (j *Journal) path(chatID string) string {
	return filepath.Join(j.dir, chatID+".jsonl")
}

func (j *Journal) lockFor(chatID string) *sync.Mutex {
	j.locksMu.Lock()
	defer j.locksMu.Unlock()

	if lock, exists := j.writeLocks[chatID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	j.writeLocks[chatID] = lock
	return lock
}

func (j *Journal) releaseLock(chatID string) {
	j.locksMu.Lock()
	defer j.locksMu.Unlock()
	delete(j.writeLocks, chatID)
}

// Publish implements turn.Sink.
func (j *Journal) Publish(ev *turn.Event) error {
	return j.Append(context.Background(), ev)
}

// Append writes one event to its chat's journal and syncs it to disk.
func (j *Journal) Append(ctx context.Context, ev *turn.Event) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"weave.journal",
		"journal.append",
		attribute.String("chat_id", ev.ChatID),
		attribute.String("kind", string(ev.Kind)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordJournalWrite(time.Since(start))
	}()

	if err := validateChatID(ev.ChatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ev.Key == "" {
		return fmt.Errorf("event has no idempotency key")
	}

	lock := j.lockFor(ev.ChatID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(j.path(ev.ChatID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync journal file: %w", err)
	}

	j.logger.Debug().
		Str("chat_id", ev.ChatID).
		Str("turn_key", ev.Key).
		Str("kind", string(ev.Kind)).
		Msg("Event journaled")
	return nil
}

// Replay loads every event recorded for a chat in append order. Lines
// that fail to parse are skipped with a warning.
func (j *Journal) Replay(ctx context.Context, chatID string) ([]turn.Event, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"weave.journal",
		"journal.replay",
		attribute.String("chat_id", chatID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordJournalRead(time.Since(start))
	}()

	if err := validateChatID(chatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(j.path(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return []turn.Event{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	var events []turn.Event
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var ev turn.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			j.logger.Warn().
				Str("chat_id", chatID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse journal line, skipping")
			continue
		}
		if ev.Key == "" {
			j.logger.Warn().
				Str("chat_id", chatID).
				Int("line", lineNum).
				Msg("Journal line has no turn key, skipping")
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}

	j.logger.Debug().
		Str("chat_id", chatID).
		Int("events", len(events)).
		Msg("Journal replayed")
	return events, nil
}

// Replace atomically rewrites a chat's journal with the given events.
// Used by pruning and repair.
func (j *Journal) Replace(chatID string, events []turn.Event) error {
	if err := validateChatID(chatID); err != nil {
		return err
	}

	lock := j.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	path := j.path(chatID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace journal file: %w", err)
	}
	return nil
}

// Repair rewrites a journal keeping only the lines that parse.
func (j *Journal) Repair(ctx context.Context, chatID string) error {
	events, err := j.Replay(ctx, chatID)
	if err != nil {
		return err
	}
	if err := j.Replace(chatID, events); err != nil {
		return err
	}
	j.logger.Info().
		Str("chat_id", chatID).
		Int("events", len(events)).
		Msg("Journal repaired")
	return nil
}

// Delete removes a chat's journal.
func (j *Journal) Delete(chatID string) error {
	if err := validateChatID(chatID); err != nil {
		return err
	}

	lock := j.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(j.path(chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete journal file: %w", err)
	}
	j.releaseLock(chatID)

	j.logger.Info().Str("chat_id", chatID).Msg("Journal deleted")
	return nil
}

// Chats lists every chat with a journal, archived ones included.
func (j *Journal) Chats() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var chats []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chats = append(chats, strings.TrimSuffix(name, ".jsonl"))
	}
	return chats, nil
}

// Archive renames a chat's journal under the archived prefix so the
// retention loop stops considering it live.
func (j *Journal) Archive(chatID string) error {
	if err := validateChatID(chatID); err != nil {
		return err
	}
	if IsArchived(chatID) {
		return fmt.Errorf("chat %s is already archived", chatID)
	}

	lock := j.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Rename(j.path(chatID), j.path(archivedPrefix+chatID)); err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}
	j.releaseLock(chatID)

	j.logger.Info().Str("chat_id", chatID).Msg("Journal archived")
	return nil
}

// IsArchived reports whether a chat id names an archived journal.
func IsArchived(chatID string) bool {
	return strings.HasPrefix(chatID, archivedPrefix)
}

// modTime returns the journal file's last modification time.
func (j *Journal) modTime(chatID string) (time.Time, error) {
	info, err := os.Stat(j.path(chatID))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Close releases all per-chat locks.
func (j *Journal) Close() error {
	j.locksMu.Lock()
	j.writeLocks = make(map[string]*sync.Mutex)
	j.locksMu.Unlock()
	return nil
}
