package compress

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/mnemo/internal/memory"
	"github.com/felixgeelhaar/mnemo/internal/provider"
	"github.com/felixgeelhaar/mnemo/internal/store"
)

func newTestCompressor(t *testing.T, opts ...Option) (*Compressor, *memory.Store) {
	t.Helper()
	tmpDir, _ := os.MkdirTemp("", "compress-test-*")
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
	return New(mem, opts...), mem
}

func TestScorePriority_Bounded(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	inputs := []Message{
		{Role: "system", Content: strings.Repeat("important decision! remember this. ", 30)},
		{Role: "tool", Content: "ok"},
		{Role: "alien", Content: ""},
		{Role: "user", Content: "My name is Dana, remember that I always prefer tabs. We decided this."},
		{Role: "assistant", Content: strings.Repeat("x", 1000)},
	}

	for _, msg := range inputs {
		got := c.ScorePriority(ctx, msg)
		if got < 1 || got > 10 {
			t.Errorf("score out of bounds for %q: %f", msg.Content, got)
		}
		if got != float64(int(got)) {
			t.Errorf("score must be integral, got %f", got)
		}
	}
}

func TestScorePriority_ExplicitOverride(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	if got := c.ScorePriority(ctx, Message{Role: "tool", Content: "ok", Priority: 9}); got != 9 {
		t.Errorf("override must be returned verbatim, got %f", got)
	}
	// Out-of-range overrides are clamped, not rejected.
	if got := c.ScorePriority(ctx, Message{Content: "x", Priority: 15}); got != 10 {
		t.Errorf("expected clamp to 10, got %f", got)
	}
	if got := c.ScorePriority(ctx, Message{Content: "x", Priority: -3}); got != 1 {
		t.Errorf("expected clamp to 1, got %f", got)
	}
}

func TestScorePriority_RoleBase(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	// Neutral mid-length content isolates the role signal.
	content := "the weather data pipeline ran without anomalies today"

	sys := c.ScorePriority(ctx, Message{Role: "system", Content: content})
	usr := c.ScorePriority(ctx, Message{Role: "user", Content: content})
	ast := c.ScorePriority(ctx, Message{Role: "assistant", Content: content})
	tool := c.ScorePriority(ctx, Message{Role: "tool", Content: content})

	if !(sys > usr && usr > ast && ast > tool) {
		t.Errorf("expected system > user > assistant > tool, got %f %f %f %f", sys, usr, ast, tool)
	}
}

func TestScorePriority_RegexSignals(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	base := c.ScorePriority(ctx, Message{Role: "user", Content: "the pipeline ran again today as scheduled"})
	boosted := c.ScorePriority(ctx, Message{Role: "user", Content: "remember that my name is Dana going forward"})
	if boosted <= base {
		t.Errorf("durable-fact patterns must boost: base=%f boosted=%f", base, boosted)
	}

	ack := c.ScorePriority(ctx, Message{Role: "user", Content: "ok"})
	if ack >= base {
		t.Errorf("whole-line acknowledgment must be penalized: ack=%f base=%f", ack, base)
	}

	// "ok" embedded in substantive text is not a whole-line match.
	embedded := c.ScorePriority(ctx, Message{Role: "user", Content: "ok so the migration plan needs three phases"})
	if embedded <= ack {
		t.Errorf("substring must not trigger the whole-line penalty: embedded=%f ack=%f", embedded, ack)
	}
}

func TestScorePriority_SemanticSignal(t *testing.T) {
	ctx := context.Background()
	content := "Remember this key fact for later, it is important to keep."

	plain, _ := newTestCompressor(t)
	semantic, _ := newTestCompressor(t, WithEmbedder(provider.NewStubProvider()))

	without := plain.ScorePriority(ctx, Message{Role: "assistant", Content: content})
	with := semantic.ScorePriority(ctx, Message{Role: "assistant", Content: content})

	if with <= without {
		t.Errorf("archetype-like content should gain from the semantic signal: with=%f without=%f", with, without)
	}
}

func TestScorePriority_SemanticSkipsShortContent(t *testing.T) {
	embedder := provider.NewStubProvider()
	c, _ := newTestCompressor(t, WithEmbedder(embedder))

	c.ScorePriority(context.Background(), Message{Role: "user", Content: "short note"})
	if embedder.EmbedCalls != 0 {
		t.Errorf("content under 30 chars must not trigger embedding, got %d calls", embedder.EmbedCalls)
	}
}

func TestScorePriority_SemanticDegradesOnFailure(t *testing.T) {
	embedder := provider.NewStubProvider()
	embedder.FailEmbed = true
	c, _ := newTestCompressor(t, WithEmbedder(embedder))

	got := c.ScorePriority(context.Background(),
		Message{Role: "user", Content: "a reasonably long message that would qualify for semantic scoring"})
	if got < 1 || got > 10 {
		t.Errorf("embedding failure must degrade to no signal, got %f", got)
	}
}

func TestCompress_RecencyGuarantee(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	var messages []Message
	for i := 0; i < 12; i++ {
		messages = append(messages, Message{
			Role:    "user",
			Content: strings.Repeat("conversation turn ", 3) + string(rune('a'+i)),
			Tokens:  10,
		})
	}

	compressed, _ := c.Compress(ctx, messages, 1000)

	if len(compressed) < RecentKeep {
		t.Fatalf("compressed output shorter than the recency guarantee: %d", len(compressed))
	}
	tail := compressed[len(compressed)-RecentKeep:]
	orig := messages[len(messages)-RecentKeep:]
	for i := range tail {
		if tail[i].Content != orig[i].Content {
			t.Errorf("recent message %d modified: %q != %q", i, tail[i].Content, orig[i].Content)
		}
	}
}

func TestCompress_Stratification(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	messages := []Message{
		{Role: "user", Content: "critical decision about architecture", Priority: 9, Tokens: 50},
		{Role: "user", Content: "medium discussion of tradeoffs. more detail here", Priority: 6, Tokens: 40},
		{Role: "tool", Content: "noise to drop", Priority: 2, Tokens: 30},
	}
	for i := 0; i < RecentKeep; i++ {
		messages = append(messages, Message{Role: "assistant", Content: "recent turn", Tokens: 5})
	}

	compressed, scored := c.Compress(ctx, messages, 1000)

	if len(scored) != len(messages) {
		t.Fatalf("scored list must cover every input message: %d != %d", len(scored), len(messages))
	}
	for i, msg := range scored {
		if msg.Priority == 0 {
			t.Errorf("scored message %d has no priority", i)
		}
	}

	// high verbatim, one synthetic summary, then the recent tail
	if compressed[0].Content != "critical decision about architecture" {
		t.Errorf("high-priority message must survive verbatim, got %q", compressed[0].Content)
	}
	if compressed[1].Role != "system" || !strings.Contains(compressed[1].Content, "medium discussion") {
		t.Errorf("expected synthetic summary of the medium tier, got %+v", compressed[1])
	}
	for _, msg := range compressed {
		if msg.Content == "noise to drop" {
			t.Error("low-priority message must be dropped")
		}
	}
	if len(compressed) != 1+1+RecentKeep {
		t.Errorf("unexpected compressed shape: %d messages", len(compressed))
	}
}

func TestCompress_TierBoundaryConstants(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	msgs := []Message{
		{Role: "user", Content: "exactly at the verbatim tier", Priority: HighPriority, Tokens: 10},
		{Role: "user", Content: "just below the verbatim tier", Priority: HighPriority - 1, Tokens: 10},
		{Role: "user", Content: "exactly at the summarized tier", Priority: MediumPriority, Tokens: 10},
		{Role: "user", Content: "just below the summarized tier", Priority: MediumPriority - 1, Tokens: 10},
	}
	for i := 0; i < RecentKeep; i++ {
		msgs = append(msgs, Message{Role: "assistant", Content: "recent filler", Priority: 3, Tokens: 10})
	}

	compressed, _ := c.Compress(ctx, msgs, 40)

	var verbatim, summaries int
	for _, msg := range compressed[:len(compressed)-RecentKeep] {
		if msg.Role == "system" {
			summaries++
			continue
		}
		verbatim++
		if msg.Content != "exactly at the verbatim tier" {
			t.Errorf("unexpected verbatim survivor: %q", msg.Content)
		}
	}
	if verbatim != 1 {
		t.Errorf("expected only the priority-%d message verbatim, got %d", HighPriority, verbatim)
	}
	if summaries != 1 {
		t.Errorf("expected one summary covering the [%d, %d) tier, got %d",
			MediumPriority, HighPriority, summaries)
	}
	for _, msg := range compressed {
		if msg.Content == "just below the summarized tier" {
			t.Error("sub-threshold message must be dropped")
		}
	}
}

func TestCompress_NeverIncreasesTokens(t *testing.T) {
	c, _ := newTestCompressor(t)
	ctx := context.Background()

	var messages []Message
	for i := 0; i < 8; i++ {
		messages = append(messages, Message{Role: "tool", Content: "verbose diagnostic output line", Priority: 2, Tokens: 100})
	}
	messages = append(messages, Message{Role: "user", Content: "We agreed the rollout happens Monday. Everything else follows from that decision.", Priority: 6, Tokens: 200})
	for i := 0; i < RecentKeep; i++ {
		messages = append(messages, Message{Role: "user", Content: "recent turn", Tokens: 10})
	}

	compressed, _ := c.Compress(ctx, messages, 1000)

	before, after := 0, 0
	for _, m := range messages {
		before += m.Tokens
	}
	for _, m := range compressed {
		after += m.Tokens
	}
	if after > before {
		t.Errorf("compression increased token count: %d -> %d", before, after)
	}
}

func TestCompress_ShortHistoryUntouched(t *testing.T) {
	c, _ := newTestCompressor(t)

	messages := []Message{
		{Role: "user", Content: "first", Tokens: 5},
		{Role: "assistant", Content: "second", Tokens: 5},
	}
	compressed, scored := c.Compress(context.Background(), messages, 1000)
	if len(compressed) != 2 || compressed[0].Content != "first" {
		t.Errorf("short histories must pass through verbatim: %+v", compressed)
	}
	if len(scored) != 2 {
		t.Errorf("scored list must still be produced: %d", len(scored))
	}
}

func TestStoreCompressed(t *testing.T) {
	c, mem := newTestCompressor(t)
	ctx := context.Background()

	scored := []Message{
		{Role: "user", Content: "the production database credentials rotate every thirty days", Priority: 9},
		{Role: "assistant", Content: "a low value remark about the weather", Priority: 4},
	}

	if err := c.StoreCompressed(ctx, scored, "sess-42"); err != nil {
		t.Fatalf("StoreCompressed failed: %v", err)
	}

	high, err := mem.ByPriority(ctx, 8, "sess-42", 10)
	if err != nil {
		t.Fatalf("ByPriority failed: %v", err)
	}
	if len(high) != 1 {
		t.Fatalf("expected exactly the high-priority message persisted, got %d", len(high))
	}
	if high[0].Metadata["role"] != "user" {
		t.Errorf("expected originating role in metadata, got %v", high[0].Metadata)
	}
	hasTag := false
	for _, tag := range high[0].Tags {
		if tag == "compressed" {
			hasTag = true
		}
	}
	if !hasTag {
		t.Errorf("expected compressed tag, got %v", high[0].Tags)
	}
}

func TestSummarizeMessages_DelegatesAndFallsBack(t *testing.T) {
	ctx := context.Background()
	messages := []Message{
		{Role: "user", Content: "We agreed to ship on Monday. Then we discussed details.", Priority: 7},
		{Role: "assistant", Content: "Noted the Monday deadline in the plan", Priority: 6},
	}

	working, _ := newTestCompressor(t, WithSummarizer(provider.NewStubProvider()))
	if got := working.SummarizeMessages(ctx, messages); !strings.HasPrefix(got, "Summary:") {
		t.Errorf("expected delegated summary, got %q", got)
	}

	failing := provider.NewStubProvider()
	failing.FailSummarize = true
	fallback, _ := newTestCompressor(t, WithSummarizer(failing))
	got := fallback.SummarizeMessages(ctx, messages)
	if !strings.Contains(got, "- user: We agreed to ship on Monday.") {
		t.Errorf("expected extractive fallback with first sentence, got %q", got)
	}

	none, _ := newTestCompressor(t)
	if got := none.SummarizeMessages(ctx, messages); !strings.Contains(got, "- user:") {
		t.Errorf("expected extractive summary without a summarizer, got %q", got)
	}

	if got := none.SummarizeMessages(ctx, nil); got != "" {
		t.Errorf("expected empty summary for no messages, got %q", got)
	}
}

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"sentence", "First point. Second point.", "First point."},
		{"question", "Is this kept? Yes.", "Is this kept?"},
		{"no terminator short", "just a fragment", "just a fragment"},
		{"no terminator long", strings.Repeat("word ", 40), strings.Repeat("word ", 40)[:120] + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstSentence(tt.content); got != tt.want {
				t.Errorf("firstSentence(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
