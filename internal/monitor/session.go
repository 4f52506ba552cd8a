package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/felixgeelhaar/mnemo/internal/compress"
)

// Session is the live, bounded working-context window. It is an
// explicit caller-owned handle: the monitor operates on the session it
// was given, never on hidden process-wide state, so hosting several
// sessions means constructing several monitors.
type Session struct {
	ID              string             `json:"id"`
	StartedAt       int64              `json:"started_at"`
	Messages        []compress.Message `json:"messages"`
	TokenCount      int                `json:"token_count"`
	InputTokens     int                `json:"input_tokens"`
	OutputTokens    int                `json:"output_tokens"`
	LastCompression int64              `json:"last_compression,omitempty"`
	Compressions    int                `json:"compressions"`
}

// NewSession creates a fresh session with a generated id. Safe for
// concurrent use: monitors for different sessions may start in
// parallel.
func NewSession() *Session {
	return &Session{
		ID:        ulid.Make().String(),
		StartedAt: time.Now().Unix(),
	}
}

// LoadSession reads a session snapshot from disk. A missing file is not
// an error: it returns (nil, nil) and the caller starts fresh.
// Malformed JSON is fatal; silently discarding a corrupt session would
// hide data loss.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session snapshot: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session snapshot %s: %w", path, err)
	}
	return &sess, nil
}

// Save writes the session snapshot atomically (write-then-rename), so a
// crash mid-write never corrupts the previous snapshot.
func (s *Session) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session snapshot: %w", err)
	}
	return nil
}

// recount re-derives the running token sum from the message list, the
// invariant being token_count == sum of per-message tokens.
func (s *Session) recount() {
	total := 0
	for _, msg := range s.Messages {
		total += msg.Tokens
	}
	s.TokenCount = total
}
