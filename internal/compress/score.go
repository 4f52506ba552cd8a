package compress

import (
	"context"
	"math"
	"regexp"
)

// Role base scores: system prompts carry configuration, user messages
// carry intent, tool output is mostly transient.
var roleBase = map[string]float64{
	"system":    7,
	"user":      6,
	"assistant": 5,
	"tool":      4,
}

const defaultRoleBase = 5

// Positive patterns mark durable facts: identity statements, explicit
// remember-this requests, decisions and stated preferences.
var positivePatterns = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)\b(my name is|i am called|call me)\b`), 2},
	{regexp.MustCompile(`(?i)\b(remember|don't forget|keep in mind|note that|important)\b`), 2},
	{regexp.MustCompile(`(?i)\b(decided|decision|agreed|conclusion|we will|let's go with)\b`), 1.5},
	{regexp.MustCompile(`(?i)\b(i prefer|i like|i want|i need|i always|i never)\b`), 1},
}

// Low-content acknowledgments and greetings match as whole lines only,
// so "thanks" inside a substantive sentence is not penalized.
var negativePattern = regexp.MustCompile(
	`(?i)^\s*(ok|okay|sure|yes|no|yep|nope|thanks|thank you|got it|great|cool|nice|hi|hello|hey|bye|goodbye)[.!?\s]*$`)

const (
	regexSignalMin = -2
	regexSignalMax = 3

	semanticSignalMax  = 2
	semanticMinContent = 30 // below this, not enough signal to pay for an embedding
	semanticSimLow     = 0.3
	semanticSimHigh    = 0.7
)

// Archetype sentences for the semantic signal: content similar to these
// tends to be worth keeping. Their embeddings are computed once and
// cached for the compressor's lifetime.
var importanceArchetypes = []string{
	"We have decided to proceed with this approach.",
	"My name is Alex and I prefer concise answers.",
	"Remember this key fact for later, it is important.",
	"We agreed on the conclusion after the discussion.",
}

// ScorePriority combines five bounded signals into an integer priority
// in [1, 10]. A caller-attached priority on the message is an explicit
// override: it is clamped, rounded and returned with every other
// signal skipped.
func (c *Compressor) ScorePriority(ctx context.Context, msg Message) float64 {
	if msg.Priority != 0 {
		return clampScore(math.Round(msg.Priority))
	}

	score, ok := roleBase[msg.Role]
	if !ok {
		score = defaultRoleBase
	}

	score += c.regexSignal(msg.Content)
	score += c.semanticSignal(ctx, msg.Content)
	score += lengthSignal(msg.Content)

	return clampScore(math.Round(score))
}

func (c *Compressor) regexSignal(content string) float64 {
	var signal float64
	for _, p := range positivePatterns {
		if p.re.MatchString(content) {
			signal += p.weight
		}
	}
	if negativePattern.MatchString(content) {
		signal -= 2
	}

	if signal < regexSignalMin {
		return regexSignalMin
	}
	if signal > regexSignalMax {
		return regexSignalMax
	}
	return signal
}

// semanticSignal maps the best cosine similarity against the importance
// archetypes from [0.3, 0.7] linearly onto [0, 2]. Embedding failure or
// a missing embedder degrades to zero signal.
func (c *Compressor) semanticSignal(ctx context.Context, content string) float64 {
	if c.embedder == nil || len(content) < semanticMinContent {
		return 0
	}

	archetypes := c.archetypeVectors(ctx)
	if len(archetypes) == 0 {
		return 0
	}

	vec, err := c.embedder.Embed(ctx, content)
	if err != nil {
		c.obs.Log().Warn().Err(err).Msg("semantic scoring embedding failed, no signal")
		return 0
	}

	var best float64
	for _, a := range archetypes {
		if sim := cosineSimilarity(vec, a); sim > best {
			best = sim
		}
	}

	if best <= semanticSimLow {
		return 0
	}
	if best >= semanticSimHigh {
		return semanticSignalMax
	}
	return (best - semanticSimLow) / (semanticSimHigh - semanticSimLow) * semanticSignalMax
}

func (c *Compressor) archetypeVectors(ctx context.Context) [][]float32 {
	c.archetypesOnce.Do(func() {
		for _, sentence := range importanceArchetypes {
			vec, err := c.embedder.Embed(ctx, sentence)
			if err != nil {
				c.obs.Log().Warn().Err(err).Msg("archetype embedding failed, semantic signal disabled")
				c.archetypes = nil
				return
			}
			c.archetypes = append(c.archetypes, vec)
		}
	})
	return c.archetypes
}

func lengthSignal(content string) float64 {
	switch n := len(content); {
	case n < 20:
		return -1
	case n > 500:
		return 1
	case n > 200:
		return 0.5
	default:
		return 0
	}
}

func clampScore(score float64) float64 {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
