// Package session persists conversations on disk: an append-only JSONL
// transcript per conversation plus a small state document carrying working
// memory, the pending action and the backend session. One file pair per
// conversation key.
package session

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

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shopclerk/shopclerk/internal/observability"
	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/chat"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/memory"
)

// Entry is one transcript line.
type Entry struct {
	ConversationKey string       `json:"conversationKey"`
	Message         chat.Message `json:"message"`
	Timestamp       time.Time    `json:"timestamp"`
}

// State is the per-conversation document that survives between turns.
type State struct {
	WorkingMemory *memory.WorkingMemory  `json:"working_memory,omitempty"`
	PendingAction *confirm.PendingAction `json:"pending_action,omitempty"`
	Backend       *commerce.Session      `json:"backend,omitempty"`
	Locale        string                 `json:"locale,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Store manages conversation persistence.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a conversation store rooted at dir.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".shopclerk", "conversations")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Conversation store initialized")
	s.updateActiveMetric()
	return s, nil
}

// validateKey guards against path traversal through conversation keys.
func (s *Store) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("conversation key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("conversation key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("conversation key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("conversation key cannot contain null bytes")
	}
	return nil
}

func (s *Store) transcriptPath(key string) string {
	return filepath.Join(s.dir, key+".jsonl")
}

func (s *Store) statePath(key string) string {
	return filepath.Join(s.dir, key+".state.json")
}

func (s *Store) updateActiveMetric() {
	keys, err := s.List()
	if err != nil {
		return
	}
	observability.SetActiveConversations(len(keys))
}

func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

func (s *Store) releaseWriteLock(key string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, key)
}

// AppendMessages appends transcript lines for the messages a turn produced.
func (s *Store) AppendMessages(ctx context.Context, key string, messages []chat.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"shopclerk.session",
		"session.append_messages",
		attribute.String("conversation_key", key),
		attribute.Int("count", len(messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("conversation_key", key).Logger()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.transcriptPath(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	now := time.Now()
	for _, msg := range messages {
		if msg.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		data, err := json.Marshal(Entry{ConversationKey: key, Message: msg, Timestamp: now})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger.Debug().Int("messages", len(messages)).Msg("Transcript appended")
	return nil
}

// LoadConversation reads the full transcript. Corrupted lines are skipped,
// not fatal.
func (s *Store) LoadConversation(ctx context.Context, key string) ([]chat.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"shopclerk.session",
		"session.load",
		attribute.String("conversation_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("conversation_key", key).Logger()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.transcriptPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []chat.Message{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var messages []chat.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse transcript line, skipping")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid transcript entry, skipping")
			continue
		}
		messages = append(messages, entry.Message)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	logger.Debug().Int("messages", len(messages)).Msg("Conversation loaded")
	return messages, nil
}

// LoadState reads the conversation state. A missing file yields a fresh
// zero state, not an error.
func (s *Store) LoadState(ctx context.Context, key string) (*State, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.statePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Str("conversation_key", key).Err(err).Msg("Corrupted state document, starting fresh")
		return &State{}, nil
	}
	return &state, nil
}

// SaveState writes the state document atomically.
func (s *Store) SaveState(ctx context.Context, key string, state *State) error {
	if err := s.validateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	path := s.statePath(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// Delete removes a conversation's transcript and state.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	for _, path := range []string{s.transcriptPath(key), s.statePath(key)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
		}
	}

	s.releaseWriteLock(key)
	s.updateActiveMetric()
	log.Info().Str("conversation_key", key).Msg("Conversation deleted")
	return nil
}

// List returns all conversation keys with a transcript on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}
	return keys, nil
}

// Close drops the in-memory lock table.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
