package store

import (
	"context"
	"encoding/json"
)

// Memory is a durable fact extracted from a conversation.
type Memory struct {
	ID             int64
	Content        string
	Embedding      []float32
	Priority       float64 // [1, 10], only ever raised in place
	Metadata       map[string]string
	Tags           []string
	SessionID      string
	ContentHash    string // SHA-256 of Content, unique per distinct content
	CreatedAt      int64  // Unix seconds
	LastAccessedAt int64  // Unix seconds
	AccessCount    int
}

// SessionSummary is the lightweight archive record written when a
// conversation session ends.
type SessionSummary struct {
	ID           string
	StartedAt    int64
	EndedAt      int64
	Messages     int
	TotalTokens  int
	InputTokens  int
	OutputTokens int
	Compressions int
}

// Stats summarizes the durable store.
type Stats struct {
	Memories        int
	Sessions        int
	AveragePriority float64
	OldestCreatedAt int64
	NewestCreatedAt int64
}

// Storage defines the interface for persistence.
type Storage interface {
	// Memory management
	InsertMemory(ctx context.Context, m *Memory) (int64, error)
	GetMemory(ctx context.Context, id int64) (*Memory, error)
	GetMemoryByHash(ctx context.Context, hash string) (*Memory, error)
	GetMemories(ctx context.Context, ids []int64) ([]*Memory, error)
	MemoriesByPriority(ctx context.Context, minPriority float64, sessionID string, limit int) ([]*Memory, error)

	// TouchMemory raises the stored priority to max(stored, priority),
	// increments the access counter and stamps last_accessed_at. Pass
	// priority 0 to bump access bookkeeping without changing priority.
	TouchMemory(ctx context.Context, id int64, priority float64, accessedAt int64) error

	// ScanEmbeddings streams every (id, embedding) pair, used to build
	// the in-process similarity index.
	ScanEmbeddings(ctx context.Context, fn func(id int64, vec []float32) error) error

	// Identity management (singleton key -> JSON value map)
	SetIdentity(ctx context.Context, key string, value json.RawMessage) error
	GetIdentity(ctx context.Context, key string) (json.RawMessage, error)

	// Session archive
	ArchiveSession(ctx context.Context, s *SessionSummary) error
	ListSessions(ctx context.Context, limit int) ([]*SessionSummary, error)

	// Configuration management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
