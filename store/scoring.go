package store

import (
	"encoding/binary"
	"math"
	"sort"
	"time"
)

// DecayHalfLife is the age at which a segment's blended score is halved.
const DecayHalfLife = 30 * 24 * time.Hour

// Candidate carries one segment's raw retrieval signals before blending.
// Lexical may use any scale where higher is better; negative values are
// treated as zero. Vector is a cosine similarity in [-1, 1].
type Candidate struct {
	Segment Segment
	Lexical float64
	Vector  float64
}

// Blend converts raw candidates into final search results. Lexical scores
// are batch-max normalized to [0, 1], negative cosines clamp to zero, and
// the weighted sum is scaled by an exponential recency decay with a
// 30-day half-life. Results below minScore are dropped; the rest are
// sorted by descending score and truncated to limit when limit > 0.
func Blend(candidates []Candidate, weights Weights, minScore float64, limit int, now time.Time) []SearchResult {
	if len(candidates) == 0 {
		return nil
	}

	maxLexical := 0.0
	for _, c := range candidates {
		if c.Lexical > maxLexical {
			maxLexical = c.Lexical
		}
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		lexical := 0.0
		if maxLexical > 0 && c.Lexical > 0 {
			lexical = c.Lexical / maxLexical
		}
		vector := c.Vector
		if vector < 0 {
			vector = 0
		}
		score := (weights.Lexical*lexical + weights.Vector*vector) * DecayFactor(c.Segment.CreatedAt, now)
		if score < minScore {
			continue
		}
		results = append(results, SearchResult{Segment: c.Segment, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Segment.Seq > results[j].Segment.Seq
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// DecayFactor returns the recency multiplier for a segment created at the
// given time: 1.0 for brand-new content, halving every DecayHalfLife.
// Timestamps in the future count as age zero.
func DecayFactor(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1.0
	}
	halfLives := float64(age) / float64(DecayHalfLife)
	return math.Exp(-math.Ln2 * halfLives)
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// and zero-norm vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EncodeVector serializes an embedding as little-endian float32 bytes, the
// layout both SQL backends store and sqlite-vec consumes directly.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector reverses EncodeVector. Trailing partial values are ignored.
func DecodeVector(data []byte) []float32 {
	n := len(data) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
