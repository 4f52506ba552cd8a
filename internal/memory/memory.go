// Package memory implements the semantic memory store: durable facts
// with vector-similarity search, two-tier deduplication, decay-adjusted
// priority, and budget-aware retrieval.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/mnemo/internal/observe"
	"github.com/felixgeelhaar/mnemo/internal/provider"
	"github.com/felixgeelhaar/mnemo/internal/store"
	"github.com/felixgeelhaar/mnemo/internal/token"
)

// Config holds the tunable thresholds. The defaults preserve the
// ordering duplicate >= retrieval >= loose-match; none of the specific
// values is load-bearing beyond that.
type Config struct {
	DuplicateThreshold float64 // cosine similarity at which two contents are one fact
	SearchThreshold    float64 // default minimum similarity for search results
	DecayPerDay        float64 // effective-priority loss per day since last access
	AccessBoost        float64 // effective-priority gain per retrieval hit
	AccessBoostCap     float64 // ceiling on the access bonus
}

func DefaultConfig() Config {
	return Config{
		DuplicateThreshold: 0.9,
		SearchThreshold:    0.5,
		DecayPerDay:        0.3,
		AccessBoost:        0.1,
		AccessBoostCap:     2.0,
	}
}

// Store is the semantic memory store.
type Store struct {
	storage  store.Storage
	embedder provider.Embedder
	counter  token.Counter
	obs      *observe.Observer
	cfg      Config
	index    *Index
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithConfig(cfg Config) Option {
	return func(s *Store) { s.cfg = cfg }
}

func WithObserver(obs *observe.Observer) Option {
	return func(s *Store) { s.obs = obs }
}

func WithCounter(c token.Counter) Option {
	return func(s *Store) { s.counter = c }
}

// WithClock overrides the time source, for decay tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store. Call Load before the first search so the
// similarity index reflects persisted state.
func New(storage store.Storage, embedder provider.Embedder, opts ...Option) *Store {
	s := &Store{
		storage:  storage,
		embedder: embedder,
		counter:  token.NewEstimator(""),
		obs:      observe.Nop(),
		cfg:      DefaultConfig(),
		index:    NewIndex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load builds the in-process similarity index from durable storage.
func (s *Store) Load(ctx context.Context) error {
	if err := s.index.Load(ctx, s.storage); err != nil {
		return fmt.Errorf("failed to load similarity index: %w", err)
	}
	s.obs.Log().Info().Int("memories", s.index.Len()).Msg("similarity index loaded")
	return nil
}

// StoreParams carries the optional arguments to Store.
type StoreParams struct {
	Metadata  map[string]string
	Priority  float64 // 0 means default (5); clamped to [1, 10]
	SessionID string
	Tags      []string
}

// Store persists content as a durable memory and returns its id.
//
// Dedup is two-tier: an exact content-hash lookup short-circuits before
// any embedding is computed (most repeated content — greetings,
// acknowledgments — never pays for an embedding call), then a semantic
// check folds near-duplicates above the duplicate threshold into the
// existing record. Either way the surviving record's priority is raised
// to max(stored, incoming) and its access bookkeeping bumped.
func (s *Store) Store(ctx context.Context, content string, p StoreParams) (int64, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.Store")
	defer span.End()

	priority := clampPriority(p.Priority)
	now := s.now().Unix()

	hash := contentHash(content)
	if existing, err := s.storage.GetMemoryByHash(ctx, hash); err == nil {
		if err := s.storage.TouchMemory(ctx, existing.ID, priority, now); err != nil {
			return 0, fmt.Errorf("failed to touch duplicate memory: %w", err)
		}
		s.obs.Log().Debug().Int64("id", existing.ID).Msg("exact duplicate folded")
		return existing.ID, nil
	} else if err != store.ErrNotFound {
		return 0, fmt.Errorf("hash lookup failed: %w", err)
	}

	// Embedding failure on the write path is a hard error: a record
	// without a vector cannot be deduplicated or retrieved later.
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("embedding failed, memory not stored: %w", err)
	}

	if hits := s.index.Search(vec, 1, s.cfg.DuplicateThreshold); len(hits) > 0 {
		if err := s.storage.TouchMemory(ctx, hits[0].ID, priority, now); err != nil {
			return 0, fmt.Errorf("failed to touch semantic duplicate: %w", err)
		}
		s.obs.Log().Debug().
			Int64("id", hits[0].ID).
			Float64("similarity", hits[0].Similarity).
			Msg("semantic duplicate folded")
		return hits[0].ID, nil
	}

	m := &store.Memory{
		Content:        content,
		Embedding:      vec,
		Priority:       priority,
		Metadata:       p.Metadata,
		Tags:           p.Tags,
		SessionID:      p.SessionID,
		ContentHash:    hash,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	id, err := s.storage.InsertMemory(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to persist memory: %w", err)
	}

	// Index only after the durable write succeeded.
	s.index.Add(id, vec)

	s.obs.Log().Debug().Int64("id", id).Float64("priority", priority).Msg("memory stored")
	return id, nil
}

// SearchParams carries the optional arguments to Search.
type SearchParams struct {
	Limit int // default 5

	// Threshold is the minimum similarity. 0 means the configured
	// search threshold; a negative value means accept everything.
	Threshold float64

	SessionID string // restrict to one session
	TagGlob   string // doublestar pattern matched against tags
	UseDecay  bool   // report decay-adjusted effective priority
}

// Result is one search match.
type Result struct {
	Memory     *store.Memory
	Similarity float64
	Priority   float64 // stored priority, or effective priority with UseDecay
}

// Search embeds the query and returns the most similar memories in
// descending similarity order. Embedding failure degrades to an empty
// result set: retrieval is an enhancement, not a correctness
// requirement of the host agent.
func (s *Store) Search(ctx context.Context, query string, p SearchParams) ([]Result, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.Search")
	defer span.End()

	limit := p.Limit
	if limit <= 0 {
		limit = 5
	}
	threshold := p.Threshold
	switch {
	case threshold < 0:
		threshold = 0
	case threshold == 0:
		threshold = s.cfg.SearchThreshold
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.obs.Log().Warn().Err(err).Msg("query embedding failed, returning no memories")
		return nil, nil
	}

	// Over-fetch so session and tag filters still leave enough.
	hits := s.index.Search(vec, limit*3, threshold)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	simByID := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		simByID[h.ID] = h.Similarity
	}

	memories, err := s.storage.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}

	now := s.now()
	var results []Result
	for _, m := range memories {
		if p.SessionID != "" && m.SessionID != p.SessionID {
			continue
		}
		if p.TagGlob != "" && !matchTagGlob(p.TagGlob, m.Tags) {
			continue
		}

		priority := m.Priority
		if p.UseDecay {
			priority = s.effectivePriority(m, now)
		}
		results = append(results, Result{
			Memory:     m,
			Similarity: simByID[m.ID],
			Priority:   priority,
		})
		if len(results) == limit {
			break
		}
	}

	for _, r := range results {
		if err := s.storage.TouchMemory(ctx, r.Memory.ID, 0, now.Unix()); err != nil {
			s.obs.Log().Warn().Int64("id", r.Memory.ID).Err(err).Msg("failed to bump access bookkeeping")
		}
	}

	return results, nil
}

// RelevantContext greedily accepts search results in descending
// similarity order while the running token estimate stays within
// budget, stopping at the first overflow. No reordering for better
// packing: recency/relevance bias over bin-packing optimality.
func (s *Store) RelevantContext(ctx context.Context, query string, tokenBudget int, p SearchParams) ([]Result, int, error) {
	if tokenBudget < 0 {
		tokenBudget = 0
	}

	results, err := s.Search(ctx, query, p)
	if err != nil {
		return nil, 0, err
	}

	var accepted []Result
	used := 0
	for _, r := range results {
		cost := s.counter.Count(r.Memory.Content)
		if used+cost > tokenBudget {
			break
		}
		accepted = append(accepted, r)
		used += cost
	}
	return accepted, used, nil
}

// ByPriority returns memories with stored priority >= minPriority,
// highest first.
func (s *Store) ByPriority(ctx context.Context, minPriority float64, sessionID string, limit int) ([]*store.Memory, error) {
	return s.storage.MemoriesByPriority(ctx, clampPriority(minPriority), sessionID, limit)
}

// SetIdentity stores a caller-defined persistent fact outside the
// message/session lifecycle.
func (s *Store) SetIdentity(ctx context.Context, key string, value json.RawMessage) error {
	return s.storage.SetIdentity(ctx, key, value)
}

func (s *Store) GetIdentity(ctx context.Context, key string) (json.RawMessage, error) {
	return s.storage.GetIdentity(ctx, key)
}

// ArchiveSession writes a lightweight summary record for an ended
// conversation session.
func (s *Store) ArchiveSession(ctx context.Context, sum *store.SessionSummary) error {
	return s.storage.ArchiveSession(ctx, sum)
}

// Sessions lists archived session summaries, most recent first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]*store.SessionSummary, error) {
	return s.storage.ListSessions(ctx, limit)
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	return s.storage.Stats(ctx)
}

// effectivePriority models forgetting with reinforcement: roughly
// linear decay per day since last access, floored at 1, offset by a
// capped reward for frequent retrieval.
func (s *Store) effectivePriority(m *store.Memory, now time.Time) float64 {
	days := now.Sub(time.Unix(m.LastAccessedAt, 0)).Hours() / 24
	if days < 0 {
		days = 0
	}

	decay := days * s.cfg.DecayPerDay
	if floor := m.Priority - 1; decay > floor {
		decay = floor
	}

	boost := float64(m.AccessCount) * s.cfg.AccessBoost
	if boost > s.cfg.AccessBoostCap {
		boost = s.cfg.AccessBoostCap
	}

	effective := m.Priority - decay + boost
	if effective < 1 {
		effective = 1
	}
	return effective
}

func matchTagGlob(pattern string, tags []string) bool {
	for _, tag := range tags {
		if ok, err := doublestar.Match(pattern, tag); err == nil && ok {
			return true
		}
	}
	return false
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func clampPriority(p float64) float64 {
	if p == 0 {
		return 5
	}
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
