package store

import (
	"math"
	"testing"
	"time"
)

func TestWeightsRenormalize(t *testing.T) {
	tests := []struct {
		name        string
		weights     Weights
		wantLexical float64
		wantVector  float64
	}{
		{
			name:        "already normalized",
			weights:     Weights{Lexical: 0.3, Vector: 0.7},
			wantLexical: 0.3,
			wantVector:  0.7,
		},
		{
			name:        "lexical only",
			weights:     Weights{Lexical: 1},
			wantLexical: 1,
			wantVector:  0,
		},
		{
			name: "scaled down",
			// 2 / (2 + 2) = 0.5
			weights:     Weights{Lexical: 2, Vector: 2},
			wantLexical: 0.5,
			wantVector:  0.5,
		},
		{
			name: "uneven sum",
			// 0.6 / 0.8 = 0.75, 0.2 / 0.8 = 0.25
			weights:     Weights{Lexical: 0.6, Vector: 0.2},
			wantLexical: 0.75,
			wantVector:  0.25,
		},
		{
			name:        "zero pair falls back to defaults",
			weights:     Weights{},
			wantLexical: 0.3,
			wantVector:  0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.weights.Renormalize()
			if math.Abs(got.Lexical-tt.wantLexical) > 1e-9 {
				t.Errorf("Lexical = %v, want %v", got.Lexical, tt.wantLexical)
			}
			if math.Abs(got.Vector-tt.wantVector) > 1e-9 {
				t.Errorf("Vector = %v, want %v", got.Vector, tt.wantVector)
			}
		})
	}
}

func TestDecayFactor(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		want      float64
	}{
		{name: "brand new", createdAt: now, want: 1.0},
		{name: "future timestamp", createdAt: now.Add(time.Hour), want: 1.0},
		{name: "one half-life", createdAt: now.Add(-30 * 24 * time.Hour), want: 0.5},
		{name: "two half-lives", createdAt: now.Add(-60 * 24 * time.Hour), want: 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecayFactor(tt.createdAt, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("DecayFactor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "length mismatch", a: []float32{1, 2}, b: []float32{1, 2, 3}, want: 0},
		{name: "zero norm", a: []float32{0, 0}, b: []float32{1, 2}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float32{0.5, -1.25, 3, 0}

	encoded := EncodeVector(vec)
	if len(encoded) != 16 {
		t.Fatalf("encoded length = %d, want 16", len(encoded))
	}

	decoded := DecodeVector(encoded)
	if len(decoded) != len(vec) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], vec[i])
		}
	}

	// Trailing partial values are dropped.
	if got := DecodeVector(encoded[:6]); len(got) != 1 {
		t.Errorf("partial decode length = %d, want 1", len(got))
	}
}

func TestBlend(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	half := Weights{Lexical: 0.5, Vector: 0.5}

	seg := func(id string, seq int64, createdAt time.Time) Segment {
		return Segment{ID: id, SessionID: "sess-1", Seq: seq, Role: "user", Content: id, CreatedAt: createdAt}
	}

	t.Run("normalizes and blends", func(t *testing.T) {
		candidates := []Candidate{
			// lexical 4/4 = 1, vector 0.5: 0.5*1 + 0.5*0.5 = 0.75
			{Segment: seg("a", 1, now), Lexical: 4, Vector: 0.5},
			// lexical 2/4 = 0.5, vector clamps to 0: 0.5*0.5 = 0.25
			{Segment: seg("b", 2, now), Lexical: 2, Vector: -0.3},
			// lexical 0, vector 0.8: 0.5*0.8 = 0.4
			{Segment: seg("c", 3, now), Lexical: 0, Vector: 0.8},
		}

		results := Blend(candidates, half, 0.3, 0, now)
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Segment.ID != "a" || math.Abs(results[0].Score-0.75) > 1e-9 {
			t.Errorf("results[0] = %s/%v, want a/0.75", results[0].Segment.ID, results[0].Score)
		}
		if results[1].Segment.ID != "c" || math.Abs(results[1].Score-0.4) > 1e-9 {
			t.Errorf("results[1] = %s/%v, want c/0.4", results[1].Segment.ID, results[1].Score)
		}
	})

	t.Run("applies recency decay", func(t *testing.T) {
		candidates := []Candidate{
			{Segment: seg("old", 1, now.Add(-30*24*time.Hour)), Lexical: 5},
		}

		// batch max normalizes lexical to 1, one half-life halves it
		results := Blend(candidates, Weights{Lexical: 1}, 0, 0, now)
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		if math.Abs(results[0].Score-0.5) > 1e-9 {
			t.Errorf("score = %v, want 0.5", results[0].Score)
		}
	})

	t.Run("breaks score ties by descending seq", func(t *testing.T) {
		candidates := []Candidate{
			{Segment: seg("earlier", 1, now), Vector: 0.6},
			{Segment: seg("later", 5, now), Vector: 0.6},
		}

		results := Blend(candidates, Weights{Vector: 1}, 0, 0, now)
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Segment.ID != "later" {
			t.Errorf("results[0] = %s, want later", results[0].Segment.ID)
		}
	})

	t.Run("truncates to limit", func(t *testing.T) {
		candidates := []Candidate{
			{Segment: seg("a", 1, now), Vector: 0.9},
			{Segment: seg("b", 2, now), Vector: 0.8},
			{Segment: seg("c", 3, now), Vector: 0.7},
		}

		results := Blend(candidates, Weights{Vector: 1}, 0, 2, now)
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Segment.ID != "a" || results[1].Segment.ID != "b" {
			t.Errorf("got %s, %s, want a, b", results[0].Segment.ID, results[1].Segment.ID)
		}
	})

	t.Run("empty candidates", func(t *testing.T) {
		if got := Blend(nil, half, 0, 0, now); got != nil {
			t.Errorf("got %v, want nil", got)
		}
	})
}
