package recall

import (
	"strings"
	"testing"

	"github.com/lodestarhq/threadline/store"
	"github.com/lodestarhq/threadline/types"
)

func TestBuildBlockSections(t *testing.T) {
	facts := []store.Fact{
		{Title: "Deploy policy", Content: "always canary first"},
	}
	segments := []ScoredSegment{
		{Segment: store.Segment{Role: "user", Content: "deploy the cluster"}, Score: 0.9},
		{Segment: store.Segment{Role: "assistant", Content: "rolling out now"}, Score: 0.7},
	}

	block := BuildBlock(facts, segments, 2000, nil)
	if !strings.HasPrefix(block, Marker) {
		t.Fatalf("Expected block to start with marker, got %q", block)
	}
	if !strings.Contains(block, "- Deploy policy: always canary first") {
		t.Errorf("Expected fact line, got %q", block)
	}
	if !strings.Contains(block, "- (user) deploy the cluster") {
		t.Errorf("Expected segment line with role, got %q", block)
	}
	if !strings.Contains(block, "- (assistant) rolling out now") {
		t.Errorf("Expected second segment line, got %q", block)
	}
	if strings.Index(block, "## Knowledge") > strings.Index(block, "## Related History") {
		t.Errorf("Expected knowledge before history, got %q", block)
	}
}

func TestBuildBlockSqueezesWhitespace(t *testing.T) {
	facts := []store.Fact{
		{Title: "Multi line", Content: "first\n  second\t\tthird"},
	}

	block := BuildBlock(facts, nil, 2000, nil)
	if !strings.Contains(block, "- Multi line: first second third") {
		t.Errorf("Expected whitespace collapsed to one line, got %q", block)
	}
}

func TestBuildBlockEmptyInputs(t *testing.T) {
	if block := BuildBlock(nil, nil, 2000, nil); block != "" {
		t.Errorf("Expected empty block for no content, got %q", block)
	}

	facts := []store.Fact{{Title: "T", Content: "c"}}
	if block := BuildBlock(facts, nil, 0, nil); block != "" {
		t.Errorf("Expected empty block for zero cap, got %q", block)
	}
}

func TestBuildBlockBudget(t *testing.T) {
	// The marker, each heading, and each item cost 10 under the fragment
	// estimator.
	estimator := turnEstimator{messageCost: 250, fragmentCost: 10, recallCost: 200}
	facts := []store.Fact{
		{Title: "First", Content: "one"},
		{Title: "Second", Content: "two"},
	}
	segments := []ScoredSegment{
		{Segment: store.Segment{Role: "user", Content: "some history"}, Score: 0.5},
	}

	t.Run("drops items and sections past the cap", func(t *testing.T) {
		// Cap 35 leaves 25 after the marker: the knowledge heading plus
		// one fact fit, the second fact and the history section do not.
		block := BuildBlock(facts, segments, 35, estimator)
		if !strings.Contains(block, "- First: one") {
			t.Errorf("Expected first fact kept, got %q", block)
		}
		if strings.Contains(block, "Second") {
			t.Errorf("Expected second fact dropped, got %q", block)
		}
		if strings.Contains(block, "## Related History") {
			t.Errorf("Expected history section dropped, got %q", block)
		}
	})

	t.Run("heading without items is dropped", func(t *testing.T) {
		// Cap 25 leaves 15: a heading fits but no item does alongside it.
		block := BuildBlock(facts[:1], nil, 25, estimator)
		if block != "" {
			t.Errorf("Expected empty block when no item fits, got %q", block)
		}
	})

	t.Run("cap smaller than the marker", func(t *testing.T) {
		block := BuildBlock(facts, segments, 5, estimator)
		if block != "" {
			t.Errorf("Expected empty block, got %q", block)
		}
	})
}

func TestStripBlocks(t *testing.T) {
	t.Run("no recall messages returns input unchanged", func(t *testing.T) {
		messages := []*types.Message{
			types.NewUserMessage("s1", "hello"),
			types.NewAssistantMessage("s1", []types.ContentBlock{types.NewTextBlock("hi")}),
		}
		out := StripBlocks(messages)
		if !sameSlice(out, messages) {
			t.Errorf("Expected the input slice back")
		}
	})

	t.Run("removes recall messages and keeps order", func(t *testing.T) {
		messages := []*types.Message{
			types.NewUserMessage("s1", "first"),
			types.NewUserMessage("s1", Marker+"\n- recalled"),
			types.NewUserMessage("s1", "second"),
		}
		out := StripBlocks(messages)
		if len(out) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(out))
		}
		if out[0].Text() != "first" || out[1].Text() != "second" {
			t.Errorf("Expected order preserved, got %q then %q", out[0].Text(), out[1].Text())
		}
	})

	t.Run("marker mid-text is not a recall message", func(t *testing.T) {
		messages := []*types.Message{
			types.NewUserMessage("s1", "quoting "+Marker+" here"),
		}
		out := StripBlocks(messages)
		if len(out) != 1 {
			t.Errorf("Expected quoted marker kept, got %d messages", len(out))
		}
	})

	t.Run("assistant text starting with marker is kept", func(t *testing.T) {
		messages := []*types.Message{
			types.NewAssistantMessage("s1", []types.ContentBlock{types.NewTextBlock(Marker + " echoed")}),
		}
		out := StripBlocks(messages)
		if len(out) != 1 {
			t.Errorf("Expected assistant message kept, got %d messages", len(out))
		}
	})
}
