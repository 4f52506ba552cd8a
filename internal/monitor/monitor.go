// Package monitor orchestrates context health: it tracks per-session
// token usage against a configured limit, triggers normal or emergency
// compression at thresholds, and injects relevant memories for each
// user message.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/mnemo/internal/compress"
	"github.com/felixgeelhaar/mnemo/internal/memory"
	"github.com/felixgeelhaar/mnemo/internal/observe"
	memstore "github.com/felixgeelhaar/mnemo/internal/store"
	"github.com/felixgeelhaar/mnemo/internal/token"
)

// Status classifies context health by usage ratio.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusDanger   Status = "danger"
	StatusCritical Status = "critical"
)

// Config holds the monitor's tunables.
type Config struct {
	ContextLimit       int     `json:"context_limit" yaml:"context_limit"`
	WarningThreshold   float64 `json:"warning_threshold" yaml:"warning_threshold"`
	CompressThreshold  float64 `json:"compress_threshold" yaml:"compress_threshold"`
	EmergencyThreshold float64 `json:"emergency_threshold" yaml:"emergency_threshold"`
	RetrievalThreshold float64 `json:"retrieval_threshold" yaml:"retrieval_threshold"`
	RetrievalLimit     int     `json:"retrieval_limit" yaml:"retrieval_limit"`
	AutoCompress       bool    `json:"auto_compress" yaml:"auto_compress"`
	Encoding           string  `json:"encoding" yaml:"encoding"`
}

func DefaultConfig() Config {
	return Config{
		ContextLimit:       100_000,
		WarningThreshold:   0.75,
		CompressThreshold:  0.85,
		EmergencyThreshold: 0.95,
		RetrievalThreshold: 0.7,
		RetrievalLimit:     5,
		AutoCompress:       true,
		Encoding:           "cl100k_base",
	}
}

// normalize clamps malformed values to sane defaults rather than
// rejecting them, and enforces warning <= compress <= emergency.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.ContextLimit <= 0 {
		c.ContextLimit = def.ContextLimit
	}
	for _, t := range []*float64{&c.WarningThreshold, &c.CompressThreshold, &c.EmergencyThreshold, &c.RetrievalThreshold} {
		if *t <= 0 || *t > 1 {
			*t = 0
		}
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = def.WarningThreshold
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = def.CompressThreshold
	}
	if c.EmergencyThreshold == 0 {
		c.EmergencyThreshold = def.EmergencyThreshold
	}
	if c.RetrievalThreshold == 0 {
		c.RetrievalThreshold = def.RetrievalThreshold
	}
	if c.CompressThreshold < c.WarningThreshold {
		c.CompressThreshold = c.WarningThreshold
	}
	if c.EmergencyThreshold < c.CompressThreshold {
		c.EmergencyThreshold = c.CompressThreshold
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = def.RetrievalLimit
	}
	if c.Encoding == "" {
		c.Encoding = def.Encoding
	}
}

// LoadConfig reads a Config from a JSON or YAML file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	cfg.normalize()
	return cfg, nil
}

// Monitor watches one session. Single writer per session: at most one
// in-flight ProcessMessage call, since compression mutates the message
// list destructively. Different sessions get different monitors and may
// run concurrently against the same memory store.
type Monitor struct {
	cfg          Config
	session      *Session
	snapshotPath string
	memories     *memory.Store
	compressor   *compress.Compressor
	counter      token.Counter
	obs          *observe.Observer
	now          func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSession attaches an existing session handle (e.g. one restored
// via LoadSession) instead of starting fresh.
func WithSession(s *Session) Option {
	return func(m *Monitor) {
		if s != nil {
			m.session = s
		}
	}
}

// WithSnapshotPath enables crash-consistent session persistence: the
// snapshot is rewritten after every processed message.
func WithSnapshotPath(path string) Option {
	return func(m *Monitor) { m.snapshotPath = path }
}

func WithObserver(obs *observe.Observer) Option {
	return func(m *Monitor) { m.obs = obs }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(memories *memory.Store, compressor *compress.Compressor, cfg Config, opts ...Option) *Monitor {
	cfg.normalize()
	m := &Monitor{
		cfg:        cfg,
		session:    NewSession(),
		memories:   memories,
		compressor: compressor,
		counter:    token.NewEstimator(cfg.Encoding),
		obs:        observe.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the live session handle.
func (m *Monitor) Session() *Session {
	return m.session
}

// Configure replaces the monitor's tunables, clamping malformed values.
func (m *Monitor) Configure(cfg Config) {
	cfg.normalize()
	m.cfg = cfg
	m.counter = token.NewEstimator(cfg.Encoding)
}

// Usage is a point-in-time token usage report.
type Usage struct {
	Tokens       int     `json:"tokens"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Limit        int     `json:"limit"`
	Ratio        float64 `json:"ratio"`
	Status       Status  `json:"status"`
}

// TokenUsage reports current usage against the context limit.
func (m *Monitor) TokenUsage() Usage {
	ratio := float64(m.session.TokenCount) / float64(m.cfg.ContextLimit)
	return Usage{
		Tokens:       m.session.TokenCount,
		InputTokens:  m.session.InputTokens,
		OutputTokens: m.session.OutputTokens,
		Limit:        m.cfg.ContextLimit,
		Ratio:        ratio,
		Status:       m.status(ratio),
	}
}

func (m *Monitor) status(ratio float64) Status {
	switch {
	case ratio >= m.cfg.EmergencyThreshold:
		return StatusCritical
	case ratio >= m.cfg.CompressThreshold:
		return StatusDanger
	case ratio >= m.cfg.WarningThreshold:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Report describes what ProcessMessage did.
type Report struct {
	Status     Status  `json:"status"`
	Ratio      float64 `json:"ratio"`
	Tokens     int     `json:"tokens"`
	Compressed bool    `json:"compressed"`
	Emergency  bool    `json:"emergency"`
	Injected   int     `json:"injected"` // memories injected for user messages
}

// ProcessMessage appends one conversation turn: counts tokens, updates
// running sums, compresses when thresholds demand it, auto-retrieves
// memories for user messages, and persists the session snapshot.
func (m *Monitor) ProcessMessage(ctx context.Context, content, role string) (*Report, error) {
	ctx, span := m.obs.StartSpan(ctx, "monitor.ProcessMessage")
	defer span.End()

	tokens := m.counter.Count(content)
	m.appendMessage(compress.Message{
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		Timestamp: m.now().Unix(),
	})

	report := &Report{Tokens: tokens}

	ratio := float64(m.session.TokenCount) / float64(m.cfg.ContextLimit)
	status := m.status(ratio)

	switch {
	case status == StatusCritical:
		// No time budget for summarization under emergency pressure.
		if err := m.EmergencyCompress(ctx); err != nil {
			return nil, err
		}
		report.Compressed = true
		report.Emergency = true
	case status == StatusDanger && m.cfg.AutoCompress:
		if err := m.Compress(ctx); err != nil {
			return nil, err
		}
		report.Compressed = true
	}

	if role == "user" {
		report.Injected = m.autoRetrieve(ctx, content)
	}

	usage := m.TokenUsage()
	report.Status = usage.Status
	report.Ratio = usage.Ratio

	if err := m.persist(); err != nil {
		return nil, err
	}

	m.obs.Log().Debug().
		Str("session", m.session.ID).
		Str("role", role).
		Int("tokens", tokens).
		Str("status", string(report.Status)).
		Msg("message processed")

	return report, nil
}

func (m *Monitor) appendMessage(msg compress.Message) {
	m.session.Messages = append(m.session.Messages, msg)
	m.session.TokenCount += msg.Tokens
	if msg.Role == "assistant" {
		m.session.OutputTokens += msg.Tokens
	} else {
		m.session.InputTokens += msg.Tokens
	}
}

// autoRetrieve searches the memory store with the user's message and,
// when any result clears the retrieval threshold, injects a synthetic
// system message listing each match with its similarity percentage.
// The injected message consumes tokens and is counted like any other.
func (m *Monitor) autoRetrieve(ctx context.Context, query string) int {
	results, err := m.memories.Search(ctx, query, memory.SearchParams{
		Limit:     m.cfg.RetrievalLimit,
		Threshold: m.cfg.RetrievalThreshold,
		UseDecay:  true,
	})
	if err != nil {
		m.obs.Log().Warn().Err(err).Msg("memory retrieval failed")
		return 0
	}
	if len(results) == 0 {
		return 0
	}

	var sb strings.Builder
	sb.WriteString("Relevant memories from earlier conversations:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%.0f%% match] %s\n", r.Similarity*100, r.Memory.Content)
	}

	injected := sb.String()
	m.appendMessage(compress.Message{
		Role:      "system",
		Content:   injected,
		Tokens:    m.counter.Count(injected),
		Timestamp: m.now().Unix(),
	})

	m.obs.Log().Info().Int("memories", len(results)).Msg("memories injected")
	return len(results)
}

// Compress runs normal compression: the history is reduced toward half
// the context limit and high-priority material is promoted into the
// memory store via the scored list.
func (m *Monitor) Compress(ctx context.Context) error {
	ctx, span := m.obs.StartSpan(ctx, "monitor.Compress")
	defer span.End()

	target := m.cfg.ContextLimit / 2
	compressed, scored := m.compressor.Compress(ctx, m.session.Messages, target)

	if err := m.compressor.StoreCompressed(ctx, scored, m.session.ID); err != nil {
		// Promotion failures lose an enhancement, not the session.
		m.obs.Log().Warn().Err(err).Msg("failed to promote some compressed messages")
	}

	m.session.Messages = compressed
	m.session.recount()
	m.session.Compressions++
	m.session.LastCompression = m.now().Unix()

	return m.persist()
}

// EmergencyCompress is the conservative path for critical pressure:
// keep priority >= 8 and the last 3 messages verbatim, persist the
// [5, 8) tier directly to the memory store without summarizing, and
// deduplicate so a message in both the high-priority and recency sets
// appears once. If the survivors still overflow the limit, the oldest
// are shed (persisting anything >= 5) until the session fits; the last
// 3 are never shed, so the result is never empty for a non-empty
// history.
func (m *Monitor) EmergencyCompress(ctx context.Context) error {
	ctx, span := m.obs.StartSpan(ctx, "monitor.EmergencyCompress")
	defer span.End()

	msgs := m.session.Messages
	if len(msgs) == 0 {
		return nil
	}

	keep := make(map[int]bool, len(msgs))
	scored := make([]compress.Message, len(msgs))
	for i, msg := range msgs {
		// Reuse an existing score before recomputing.
		msg.Priority = m.compressor.ScorePriority(ctx, msg)
		scored[i] = msg
		if msg.Priority >= compress.HighPriority {
			keep[i] = true
		}
	}
	lastKeep := len(msgs) - 3
	if lastKeep < 0 {
		lastKeep = 0
	}
	for i := lastKeep; i < len(msgs); i++ {
		keep[i] = true
	}

	var rebuilt []compress.Message
	for i, msg := range scored {
		if keep[i] {
			rebuilt = append(rebuilt, msg)
			continue
		}
		if msg.Priority >= compress.MediumPriority {
			m.persistEmergency(ctx, msg)
		}
	}

	// Hard cap: even an all-high-priority history must fit.
	total := 0
	for _, msg := range rebuilt {
		total += msg.Tokens
	}
	for total > m.cfg.ContextLimit && len(rebuilt) > 3 {
		shed := rebuilt[0]
		rebuilt = rebuilt[1:]
		total -= shed.Tokens
		if shed.Priority >= compress.MediumPriority {
			m.persistEmergency(ctx, shed)
		}
	}

	m.session.Messages = rebuilt
	m.session.recount()
	m.session.Compressions++
	m.session.LastCompression = m.now().Unix()

	m.obs.Log().Warn().
		Int("before", len(msgs)).
		Int("after", len(rebuilt)).
		Msg("emergency compression ran")

	return m.persist()
}

func (m *Monitor) persistEmergency(ctx context.Context, msg compress.Message) {
	_, err := m.memories.Store(ctx, msg.Content, memory.StoreParams{
		Priority:  msg.Priority,
		SessionID: m.session.ID,
		Tags:      []string{"compressed", "emergency"},
		Metadata:  map[string]string{"role": msg.Role},
	})
	if err != nil {
		m.obs.Log().Warn().Err(err).Msg("failed to persist message during emergency compression")
	}
}

// Stats combines session usage with durable store statistics.
type Stats struct {
	Usage        Usage  `json:"usage"`
	SessionID    string `json:"session_id"`
	Messages     int    `json:"messages"`
	Compressions int    `json:"compressions"`
	Memories     int    `json:"memories"`
	Sessions     int    `json:"sessions"`
}

func (m *Monitor) Stats(ctx context.Context) (*Stats, error) {
	storeStats, err := m.memories.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load store stats: %w", err)
	}
	return &Stats{
		Usage:        m.TokenUsage(),
		SessionID:    m.session.ID,
		Messages:     len(m.session.Messages),
		Compressions: m.session.Compressions,
		Memories:     storeStats.Memories,
		Sessions:     storeStats.Sessions,
	}, nil
}

// EndSession archives a summary of the current session and starts a
// fresh one. Working memory clears; facts already promoted to the
// memory store survive.
func (m *Monitor) EndSession(ctx context.Context) (*memstore.SessionSummary, error) {
	summary := &memstore.SessionSummary{
		ID:           m.session.ID,
		StartedAt:    m.session.StartedAt,
		EndedAt:      m.now().Unix(),
		Messages:     len(m.session.Messages),
		TotalTokens:  m.session.TokenCount,
		InputTokens:  m.session.InputTokens,
		OutputTokens: m.session.OutputTokens,
		Compressions: m.session.Compressions,
	}

	if err := m.memories.ArchiveSession(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to archive session: %w", err)
	}

	m.obs.Log().Info().
		Str("session", summary.ID).
		Int("messages", summary.Messages).
		Int("tokens", summary.TotalTokens).
		Msg("session ended")

	m.session = NewSession()
	if err := m.persist(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (m *Monitor) persist() error {
	if m.snapshotPath == "" {
		return nil
	}
	return m.session.Save(m.snapshotPath)
}
