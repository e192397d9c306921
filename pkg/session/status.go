package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrStatusNotFound is returned when a chat has no recorded status.
var ErrStatusNotFound = errors.New("session status not found")

// Record is the persisted view of one session, enough to re-derive
// pause/resume decisions after a crash.
type Record struct {
	SessionID string         `json:"session_id"`
	ChatID    string         `json:"chat_id"`
	Workflow  string         `json:"workflow"`
	Agent     string         `json:"agent"`
	Status    Status         `json:"status"`
	State     map[string]any `json:"state,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StatusStore persists session records across restarts.
type StatusStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, chatID string) (Record, error)
}

// MemoryStatusStore keeps records in memory. Used in tests and by
// deployments that accept losing pause state on restart.
type MemoryStatusStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStatusStore creates an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{recs: make(map[string]Record)}
}

func (s *MemoryStatusStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ChatID] = rec
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, chatID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[chatID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrStatusNotFound, chatID)
	}
	return rec, nil
}

// FileStatusStore writes one JSON file per chat with a temp-file rename,
// so a crash never leaves a partial record behind.
type FileStatusStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStatusStore creates the directory if needed.
func NewFileStatusStore(dir string) (*FileStatusStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	return &FileStatusStore{dir: dir}, nil
}

func (s *FileStatusStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(rec.ChatID)
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStatusStore) Get(_ context.Context, chatID string) (Record, error) {
	data, err := os.ReadFile(s.path(chatID))
	if os.IsNotExist(err) {
		return Record{}, fmt.Errorf("%w: %s", ErrStatusNotFound, chatID)
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode status for %s: %w", chatID, err)
	}
	return rec, nil
}

func (s *FileStatusStore) path(chatID string) string {
	return filepath.Join(s.dir, chatID+".json")
}
