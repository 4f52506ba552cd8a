// Package compress reduces an overflowing message history to a token
// budget. It scores message importance from multiple signals, keeps the
// high tier and the active thread verbatim, summarizes the middle tier
// and drops the rest, promoting high-priority material into the
// semantic memory store.
package compress

import (
	"context"
	"errors"
	"sync"

	"github.com/felixgeelhaar/mnemo/internal/memory"
	"github.com/felixgeelhaar/mnemo/internal/observe"
	"github.com/felixgeelhaar/mnemo/internal/provider"
	"github.com/felixgeelhaar/mnemo/internal/token"
)

// Message is one conversation turn.
type Message struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Tokens    int     `json:"tokens"`
	Timestamp int64   `json:"timestamp"`
	Priority  float64 `json:"priority,omitempty"` // 0 = unscored; non-zero is an explicit override
}

const (
	// RecentKeep messages at the tail are always retained verbatim:
	// the active thread of conversation is never summarized away.
	RecentKeep = 5

	// HighPriority and above is kept verbatim and promoted to the
	// memory store; [MediumPriority, HighPriority) is summarized, or
	// persisted unsummarized under emergency pressure; below
	// MediumPriority is dropped.
	HighPriority   = 8
	MediumPriority = 5
)

// Compressor scores and compresses message histories.
type Compressor struct {
	memories   *memory.Store
	summarizer provider.Summarizer // optional; nil falls back to extractive
	embedder   provider.Embedder   // optional; nil disables the semantic signal
	counter    token.Counter
	obs        *observe.Observer

	archetypesOnce sync.Once
	archetypes     [][]float32
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithSummarizer wires an LLM-backed summarizer. Its failure is never
// fatal: the extractive fallback takes over.
func WithSummarizer(s provider.Summarizer) Option {
	return func(c *Compressor) { c.summarizer = s }
}

// WithEmbedder enables the semantic importance signal.
func WithEmbedder(e provider.Embedder) Option {
	return func(c *Compressor) { c.embedder = e }
}

func WithCounter(t token.Counter) Option {
	return func(c *Compressor) { c.counter = t }
}

func WithObserver(obs *observe.Observer) Option {
	return func(c *Compressor) { c.obs = obs }
}

func New(memories *memory.Store, opts ...Option) *Compressor {
	c := &Compressor{
		memories: memories,
		counter:  token.NewEstimator(""),
		obs:      observe.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress reduces messages toward targetTokens. The most recent
// RecentKeep messages survive verbatim; the remainder is stratified by
// score: >= 8 verbatim, [5, 8) summarized into one synthetic system
// message, < 5 dropped.
//
// It returns both the compressed sequence and the full scored list.
// Persistence must consume the scored list: the compressed one contains
// a synthetic summary entry with no originating content.
func (c *Compressor) Compress(ctx context.Context, messages []Message, targetTokens int) (compressed, scored []Message) {
	ctx, span := c.obs.StartSpan(ctx, "compress.Compress")
	defer span.End()

	scored = make([]Message, len(messages))
	for i, msg := range messages {
		msg.Priority = c.ScorePriority(ctx, msg)
		scored[i] = msg
	}

	if len(scored) <= RecentKeep {
		compressed = append(compressed, scored...)
		return compressed, scored
	}

	older := scored[:len(scored)-RecentKeep]
	recent := scored[len(scored)-RecentKeep:]

	var high, mid []Message
	for _, msg := range older {
		switch {
		case msg.Priority >= HighPriority:
			high = append(high, msg)
		case msg.Priority >= MediumPriority:
			mid = append(mid, msg)
		}
	}

	compressed = append(compressed, high...)
	if len(mid) > 0 {
		summary := c.SummarizeMessages(ctx, mid)
		compressed = append(compressed, Message{
			Role:      "system",
			Content:   summary,
			Tokens:    c.counter.Count(summary),
			Timestamp: mid[len(mid)-1].Timestamp,
		})
	}
	compressed = append(compressed, recent...)

	total := 0
	for _, msg := range compressed {
		total += msg.Tokens
	}
	if total > targetTokens {
		c.obs.Log().Warn().
			Int("tokens", total).
			Int("target", targetTokens).
			Msg("compressed history still above target")
	}
	c.obs.Log().Info().
		Int("before", len(messages)).
		Int("after", len(compressed)).
		Int("kept_verbatim", len(high)).
		Int("summarized", len(mid)).
		Msg("history compressed")

	return compressed, scored
}

// StoreCompressed promotes every scored message with priority >= 8 into
// the memory store under the given session. It operates on the scored
// list, never the compressed one (whose synthetic summary entry has no
// originating message).
func (c *Compressor) StoreCompressed(ctx context.Context, scored []Message, sessionID string) error {
	var errs []error
	for _, msg := range scored {
		if msg.Priority < HighPriority {
			continue
		}
		_, err := c.memories.Store(ctx, msg.Content, memory.StoreParams{
			Priority:  msg.Priority,
			SessionID: sessionID,
			Tags:      []string{"compressed", "high-priority"},
			Metadata:  map[string]string{"role": msg.Role},
		})
		if err != nil {
			c.obs.Log().Warn().Err(err).Msg("failed to promote message to memory")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
