package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/mnemo/internal/compress"
	"github.com/felixgeelhaar/mnemo/internal/memory"
	"github.com/felixgeelhaar/mnemo/internal/provider"
	"github.com/felixgeelhaar/mnemo/internal/store"
)

func newTestStack(t *testing.T) (*memory.Store, *compress.Compressor) {
	t.Helper()
	tmpDir, _ := os.MkdirTemp("", "monitor-test-*")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	storage, err := store.NewSQLiteStore(filepath.Join(tmpDir, "mnemo.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	mem := memory.New(storage, provider.NewStubProvider())
	if err := mem.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return mem, compress.New(mem)
}

func TestProcessMessage_Accounting(t *testing.T) {
	mem, comp := newTestStack(t)
	m := New(mem, comp, DefaultConfig())
	ctx := context.Background()

	r1, err := m.ProcessMessage(ctx, "hello there, this is the user speaking", "user")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if r1.Tokens <= 0 {
		t.Error("expected positive token count")
	}

	m.ProcessMessage(ctx, "and this is the assistant answering at some length", "assistant")

	sess := m.Session()
	if len(sess.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sess.Messages))
	}
	if sess.InputTokens <= 0 || sess.OutputTokens <= 0 {
		t.Errorf("expected both input and output sums populated: in=%d out=%d",
			sess.InputTokens, sess.OutputTokens)
	}

	// token_count must equal the sum over messages.
	sum := 0
	for _, msg := range sess.Messages {
		sum += msg.Tokens
	}
	if sess.TokenCount != sum {
		t.Errorf("token_count invariant violated: %d != %d", sess.TokenCount, sum)
	}
}

func TestStatusLadder(t *testing.T) {
	mem, comp := newTestStack(t)
	cfg := DefaultConfig()
	cfg.ContextLimit = 100
	m := New(mem, comp, cfg)

	tests := []struct {
		tokens int
		want   Status
	}{
		{0, StatusHealthy},
		{74, StatusHealthy},
		{75, StatusWarning},
		{84, StatusWarning},
		{85, StatusDanger},
		{94, StatusDanger},
		{95, StatusCritical},
		{120, StatusCritical},
	}

	for _, tt := range tests {
		m.Session().TokenCount = tt.tokens
		if got := m.TokenUsage().Status; got != tt.want {
			t.Errorf("tokens=%d: expected %s, got %s", tt.tokens, tt.want, got)
		}
	}
}

func TestProcessMessage_TriggersCompression(t *testing.T) {
	mem, comp := newTestStack(t)
	cfg := DefaultConfig()
	cfg.ContextLimit = 300
	m := New(mem, comp, cfg)
	ctx := context.Background()

	filler := strings.Repeat("an unremarkable conversational turn about nothing in particular ", 3)
	for i := 0; i < 30; i++ {
		if _, err := m.ProcessMessage(ctx, filler, "assistant"); err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
	}

	if m.Session().Compressions == 0 {
		t.Error("expected at least one compression run above the threshold")
	}
	if len(m.Session().Messages) == 0 {
		t.Error("compression must never leave an empty session")
	}
}

func TestProcessMessage_AutoCompressDisabled(t *testing.T) {
	mem, comp := newTestStack(t)
	cfg := DefaultConfig()
	cfg.ContextLimit = 10_000
	cfg.AutoCompress = false
	m := New(mem, comp, cfg)
	ctx := context.Background()

	// Park usage in the danger band; without auto-compress nothing runs.
	m.Session().TokenCount = 8_700
	if _, err := m.ProcessMessage(ctx, "one more message", "assistant"); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if m.Session().Compressions != 0 {
		t.Error("auto-compress disabled must suppress normal compression")
	}
}

func TestProcessMessage_AutoRetrieval(t *testing.T) {
	mem, comp := newTestStack(t)
	m := New(mem, comp, DefaultConfig())
	ctx := context.Background()

	if _, err := mem.Store(ctx, "the user prefers dark mode in the editor", memory.StoreParams{Priority: 8}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	report, err := m.ProcessMessage(ctx, "the user prefers dark mode", "user")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if report.Injected != 1 {
		t.Fatalf("expected 1 injected memory, got %d", report.Injected)
	}

	msgs := m.Session().Messages
	last := msgs[len(msgs)-1]
	if last.Role != "system" {
		t.Errorf("injected entry must be a system message, got %q", last.Role)
	}
	if !strings.Contains(last.Content, "% match]") {
		t.Errorf("injected entry must list similarity percentages, got %q", last.Content)
	}
	if last.Tokens <= 0 {
		t.Error("injected entry must consume counted tokens")
	}
}

func TestProcessMessage_NoRetrievalForAssistant(t *testing.T) {
	mem, comp := newTestStack(t)
	m := New(mem, comp, DefaultConfig())
	ctx := context.Background()

	mem.Store(ctx, "the user prefers dark mode in the editor", memory.StoreParams{Priority: 8})

	report, _ := m.ProcessMessage(ctx, "the user prefers dark mode", "assistant")
	if report.Injected != 0 {
		t.Errorf("assistant messages must not trigger retrieval, injected %d", report.Injected)
	}
}

func TestEmergencyCompress_KeepsHighAndRecent(t *testing.T) {
	mem, comp := newTestStack(t)

	sess := NewSession()
	sess.Messages = []compress.Message{
		{Role: "user", Content: "critical architecture decision", Priority: 9, Tokens: 10},
		{Role: "tool", Content: "transient output to drop", Priority: 2, Tokens: 10},
		{Role: "user", Content: "medium-tier discussion worth persisting directly", Priority: 6, Tokens: 10},
		{Role: "assistant", Content: "recent turn one", Priority: 4, Tokens: 10},
		{Role: "user", Content: "recent turn two", Priority: 4, Tokens: 10},
		{Role: "assistant", Content: "recent turn three", Priority: 4, Tokens: 10},
	}
	sess.recount()

	m := New(mem, comp, DefaultConfig(), WithSession(sess))
	ctx := context.Background()

	if err := m.EmergencyCompress(ctx); err != nil {
		t.Fatalf("EmergencyCompress failed: %v", err)
	}

	msgs := m.Session().Messages
	if len(msgs) != 4 {
		t.Fatalf("expected high-priority + last 3, got %d messages", len(msgs))
	}
	if msgs[0].Content != "critical architecture decision" {
		t.Errorf("high-priority message must survive, got %q", msgs[0].Content)
	}
	for _, msg := range msgs {
		if msg.Content == "transient output to drop" {
			t.Error("low-priority message must be shed")
		}
	}

	// The medium tier is persisted directly, unsummarized.
	persisted, _ := mem.ByPriority(ctx, 5, sess.ID, 10)
	found := false
	for _, p := range persisted {
		if p.Content == "medium-tier discussion worth persisting directly" {
			found = true
		}
	}
	if !found {
		t.Error("expected the medium-tier message persisted to the memory store")
	}
}

func TestEmergencyCompress_DedupOverlap(t *testing.T) {
	mem, comp := newTestStack(t)

	sess := NewSession()
	sess.Messages = []compress.Message{
		{Role: "user", Content: "older context", Priority: 2, Tokens: 10},
		{Role: "user", Content: "both high priority and recent", Priority: 9, Tokens: 10},
		{Role: "assistant", Content: "recent filler one", Priority: 4, Tokens: 10},
		{Role: "user", Content: "recent filler two", Priority: 4, Tokens: 10},
	}
	sess.recount()

	m := New(mem, comp, DefaultConfig(), WithSession(sess))
	if err := m.EmergencyCompress(context.Background()); err != nil {
		t.Fatalf("EmergencyCompress failed: %v", err)
	}

	count := 0
	for _, msg := range m.Session().Messages {
		if msg.Content == "both high priority and recent" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("message in both keep sets must appear exactly once, got %d", count)
	}
}

func TestEmergencyCompress_AdversarialAllHigh(t *testing.T) {
	mem, comp := newTestStack(t)

	sess := NewSession()
	for i := 0; i < 50; i++ {
		sess.Messages = append(sess.Messages, compress.Message{
			Role: "user", Content: "uniformly critical content", Priority: 8, Tokens: 10,
		})
	}
	sess.recount()

	cfg := DefaultConfig()
	cfg.ContextLimit = 100 // 50 messages x 10 tokens cannot all fit
	m := New(mem, comp, cfg, WithSession(sess))

	if err := m.EmergencyCompress(context.Background()); err != nil {
		t.Fatalf("EmergencyCompress failed: %v", err)
	}

	msgs := m.Session().Messages
	if len(msgs) == 0 {
		t.Fatal("emergency compression must never empty the session")
	}
	if m.Session().TokenCount > cfg.ContextLimit {
		t.Errorf("session still overflows the limit: %d > %d", m.Session().TokenCount, cfg.ContextLimit)
	}
}

func TestNewSession_ConcurrentIDsDistinct(t *testing.T) {
	const workers, perWorker = 8, 200

	ids := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- NewSession().ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, workers*perWorker)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id generated under concurrency: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d distinct ids, got %d", workers*perWorker, len(seen))
	}
}

func TestSnapshotPersistence(t *testing.T) {
	mem, comp := newTestStack(t)
	tmpDir, _ := os.MkdirTemp("", "snapshot-test-*")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	snapshot := filepath.Join(tmpDir, "session.json")
	ctx := context.Background()

	m1 := New(mem, comp, DefaultConfig(), WithSnapshotPath(snapshot))
	m1.ProcessMessage(ctx, "a fact worth surviving a restart", "user")
	id := m1.Session().ID

	// Simulated restart.
	restored, err := LoadSession(snapshot)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if restored == nil {
		t.Fatal("expected a persisted session")
	}

	m2 := New(mem, comp, DefaultConfig(), WithSession(restored), WithSnapshotPath(snapshot))
	if m2.Session().ID != id {
		t.Errorf("expected resumed session id %s, got %s", id, m2.Session().ID)
	}
	if len(m2.Session().Messages) != 1 {
		t.Errorf("expected 1 restored message, got %d", len(m2.Session().Messages))
	}
}

func TestLoadSession_MissingAndCorrupt(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "snapshot-test-*")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	sess, err := LoadSession(filepath.Join(tmpDir, "absent.json"))
	if err != nil || sess != nil {
		t.Errorf("missing snapshot must yield (nil, nil), got (%v, %v)", sess, err)
	}

	corrupt := filepath.Join(tmpDir, "corrupt.json")
	os.WriteFile(corrupt, []byte("{not json"), 0o600)
	if _, err := LoadSession(corrupt); err == nil {
		t.Error("corrupt snapshot must be a fatal configuration error")
	}
}

func TestEndSession(t *testing.T) {
	mem, comp := newTestStack(t)
	m := New(mem, comp, DefaultConfig())
	ctx := context.Background()

	m.ProcessMessage(ctx, "remember that the deploy key rotates monthly", "user")
	oldID := m.Session().ID

	summary, err := m.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if summary.ID != oldID {
		t.Errorf("summary must describe the ended session")
	}
	if summary.Messages != 1 || summary.TotalTokens <= 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if m.Session().ID == oldID {
		t.Error("expected a fresh session after EndSession")
	}
	if len(m.Session().Messages) != 0 || m.Session().TokenCount != 0 {
		t.Error("fresh session must start empty")
	}

	archived, err := mem.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != oldID {
		t.Errorf("expected archived summary for %s, got %+v", oldID, archived)
	}
}

func TestConfigure_ClampsMalformedValues(t *testing.T) {
	mem, comp := newTestStack(t)
	m := New(mem, comp, DefaultConfig())

	m.Configure(Config{
		ContextLimit:       -100,
		WarningThreshold:   2.5,
		CompressThreshold:  -1,
		EmergencyThreshold: 0.80,
	})

	usage := m.TokenUsage()
	if usage.Limit <= 0 {
		t.Errorf("context limit must be clamped positive, got %d", usage.Limit)
	}

	// Threshold ordering warning <= compress <= emergency must hold.
	if m.cfg.WarningThreshold > m.cfg.CompressThreshold ||
		m.cfg.CompressThreshold > m.cfg.EmergencyThreshold {
		t.Errorf("threshold ordering violated: %+v", m.cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "config-test-*")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	yamlPath := filepath.Join(tmpDir, "mnemo.yaml")
	os.WriteFile(yamlPath, []byte("context_limit: 42000\nwarning_threshold: 0.6\n"), 0o600)

	cfg, err := LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ContextLimit != 42000 || cfg.WarningThreshold != 0.6 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	// Unspecified fields keep defaults.
	if cfg.EmergencyThreshold != 0.95 {
		t.Errorf("expected default emergency threshold, got %f", cfg.EmergencyThreshold)
	}

	badPath := filepath.Join(tmpDir, "bad.json")
	os.WriteFile(badPath, []byte("{broken"), 0o600)
	if _, err := LoadConfig(badPath); err == nil {
		t.Error("malformed JSON config must be fatal")
	}

	if _, err := LoadConfig(filepath.Join(tmpDir, "nope.toml")); err == nil {
		t.Error("unsupported extension must be rejected")
	}
}
