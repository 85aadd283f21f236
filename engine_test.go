package threadline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/hooks"
	"github.com/lodestarhq/threadline/recall"
	"github.com/lodestarhq/threadline/store"
)

// fakeRawArchive is an empty session archive.
type fakeRawArchive struct{}

func (fakeRawArchive) Init(context.Context) error                         { return nil }
func (fakeRawArchive) AddSegmentLite(context.Context, string, string) error { return nil }
func (fakeRawArchive) IsArchived(context.Context, string, string) (bool, error) {
	return false, nil
}
func (fakeRawArchive) HybridSearch(context.Context, string, int, float64, store.Weights) ([]store.SearchResult, error) {
	return nil, nil
}
func (fakeRawArchive) TimelineNeighbors(context.Context, string, int) ([]store.Neighbor, error) {
	return nil, nil
}

// fakeArchive implements store.Archive for testing.
type fakeArchive struct {
	mu        sync.Mutex
	events    []*store.CompactionEvent
	recordErr error
}

func (a *fakeArchive) Raw(string) store.RawArchive { return fakeRawArchive{} }

func (a *fakeArchive) Session(_ context.Context, sessionID string) (*store.SessionInfo, error) {
	return &store.SessionInfo{ID: sessionID}, nil
}

func (a *fakeArchive) RecordCompaction(_ context.Context, event *store.CompactionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recordErr != nil {
		return a.recordErr
	}
	a.events = append(a.events, event)
	return nil
}

func (a *fakeArchive) recorded() []*store.CompactionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*store.CompactionEvent(nil), a.events...)
}

func TestNewDefaults(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	cfg := e.Config()
	if cfg != *DefaultConfig() {
		t.Errorf("Config() = %+v, want defaults", cfg)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	// Window too small to hold the reserve plus the recall cap.
	if _, err := New(&Config{ContextWindowTokens: 3000}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() error = %v, want %v", err, ErrInvalidConfig)
	}
}

func TestNewOptionError(t *testing.T) {
	_, err := New(nil, WithArchiveWorkers(0, 0))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want %v", err, ErrInvalidConfig)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("New() error = %T, want *EngineError", err)
	}
	if engineErr.Op != "WithArchiveWorkers" {
		t.Errorf("Op = %q, want WithArchiveWorkers", engineErr.Op)
	}
}

func TestEngineClosed(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	ctx := context.Background()
	if _, err := e.PrepareTurn(ctx, &TurnRequest{SessionID: "s"}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("PrepareTurn() error = %v, want %v", err, ErrEngineClosed)
	}
	if _, err := e.Compact(ctx, &Preparation{}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Compact() error = %v, want %v", err, ErrEngineClosed)
	}
}

func TestEnginePrepareTurnPassthrough(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	// A query under three characters skips trimming and recall entirely.
	req := &TurnRequest{
		SessionID: "sess-1",
		Messages:  []*Message{NewUserMessage("sess-1", "hi")},
	}
	res, err := e.PrepareTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareTurn() error = %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0] != req.Messages[0] {
		t.Error("PrepareTurn() rewrote an unchanged transcript")
	}
	if res.Injected || res.DidTrim {
		t.Errorf("Injected = %v, DidTrim = %v, want false, false", res.Injected, res.DidTrim)
	}
}

func TestEngineCompactFallbackWithoutSummarizer(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	prep := &Preparation{
		SessionID: "sess-1",
		MessagesToSummarize: []*Message{
			NewUserMessage("sess-1", "set up the staging database"),
			NewSystemMessage("sess-1", "noted"),
		},
		FirstKeptEntryID: "m-9",
		TokensBefore:     9000,
	}

	res, err := e.Compact(context.Background(), prep)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if !res.UsedFallback {
		t.Error("UsedFallback = false, want true without a summarizer")
	}
	if !strings.Contains(res.Summary, compaction.FallbackSummaryText) {
		t.Errorf("Summary = %q, want the fallback text", res.Summary)
	}
	if res.FirstKeptEntryID != "m-9" {
		t.Errorf("FirstKeptEntryID = %q, want m-9", res.FirstKeptEntryID)
	}
	if res.TokensBefore != 9000 {
		t.Errorf("TokensBefore = %d, want 9000", res.TokensBefore)
	}
}

func TestEngineCompactRecordsEvent(t *testing.T) {
	archive := &fakeArchive{}
	fixed := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	e, err := New(nil,
		WithArchive(archive),
		WithClock(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	prep := &Preparation{
		SessionID: "sess-2",
		MessagesToSummarize: []*Message{
			NewUserMessage("sess-2", "deploy the api to staging"),
		},
		TokensBefore: 12000,
	}

	res, err := e.Compact(context.Background(), prep)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if !res.UsedFastPath {
		t.Error("UsedFastPath = false, want true with an archive store")
	}
	if res.Summary == "" {
		t.Error("Summary is empty")
	}

	events := archive.recorded()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	event := events[0]
	if event.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want sess-2", event.SessionID)
	}
	if event.Strategy != "archival" {
		t.Errorf("Strategy = %q, want archival", event.Strategy)
	}
	if event.TokensBefore != 12000 {
		t.Errorf("TokensBefore = %d, want 12000", event.TokensBefore)
	}
	if event.TokensAfter <= 0 {
		t.Errorf("TokensAfter = %d, want positive", event.TokensAfter)
	}
	if event.Summary != res.Summary {
		t.Error("recorded summary differs from the result summary")
	}
	if !event.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", event.CreatedAt, fixed)
	}
}

func TestEngineCompactSurvivesRecordFailure(t *testing.T) {
	archive := &fakeArchive{recordErr: errors.New("db gone")}

	e, err := New(nil, WithArchive(archive))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	res, err := e.Compact(context.Background(), &Preparation{
		SessionID:           "sess-3",
		MessagesToSummarize: []*Message{NewUserMessage("sess-3", "hello there")},
	})
	if err != nil {
		t.Fatalf("Compact() error = %v, want success despite bookkeeping failure", err)
	}
	if res.Summary == "" {
		t.Error("Summary is empty")
	}
}

func TestEngineSessionRequiresArchive(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	_, err = e.Session(context.Background(), "sess-4")
	if !errors.Is(err, ErrNoArchive) {
		t.Fatalf("Session() error = %v, want %v", err, ErrNoArchive)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("Session() error = %T, want *EngineError", err)
	}
	if engineErr.SessionID != "sess-4" {
		t.Errorf("SessionID = %q, want sess-4", engineErr.SessionID)
	}
}

func TestEngineSession(t *testing.T) {
	e, err := New(nil, WithArchive(&fakeArchive{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	info, err := e.Session(context.Background(), "sess-5")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if info.ID != "sess-5" {
		t.Errorf("ID = %q, want sess-5", info.ID)
	}
}

func TestEngineKnowledgeStatsRequiresKnowledge(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if _, err := e.KnowledgeStats(context.Background()); !errors.Is(err, ErrNoKnowledge) {
		t.Errorf("KnowledgeStats() error = %v, want %v", err, ErrNoKnowledge)
	}
}

func TestStrategyName(t *testing.T) {
	tests := []struct {
		name string
		res  *CompactionResult
		want string
	}{
		{name: "fast path", res: &CompactionResult{UsedFastPath: true}, want: "archival"},
		{name: "fallback", res: &CompactionResult{UsedFallback: true}, want: "fallback"},
		{name: "staged", res: &CompactionResult{}, want: "staged"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strategyName(tt.res); got != tt.want {
				t.Errorf("strategyName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineHooks(t *testing.T) {
	registry := hooks.NewRegistry()
	var order []string
	registry.OnBeforeCompaction(func(_ context.Context, sessionID string) error {
		order = append(order, "before:"+sessionID)
		return nil
	})
	registry.OnAfterCompaction(func(_ context.Context, result *compaction.Result) error {
		order = append(order, "after")
		return nil
	})

	e, err := New(nil, WithHooks(registry))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	_, err = e.Compact(context.Background(), &Preparation{
		SessionID:           "sess-7",
		MessagesToSummarize: []*Message{NewUserMessage("sess-7", "wrap this up")},
	})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	want := []string{"before:sess-7", "after"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("hook order = %v, want %v", order, want)
	}
}

func TestEngineHookAbortsTurn(t *testing.T) {
	hookErr := errors.New("turn rejected")
	registry := hooks.NewRegistry()
	registry.OnBeforeTurn(func(context.Context, *recall.TurnRequest) error {
		return hookErr
	})

	e, err := New(nil, WithHooks(registry))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	_, err = e.PrepareTurn(context.Background(), &TurnRequest{
		SessionID: "sess-8",
		Messages:  []*Message{NewUserMessage("sess-8", "hello")},
	})
	if !errors.Is(err, hookErr) {
		t.Errorf("PrepareTurn() error = %v, want %v", err, hookErr)
	}
}

func TestEngineError(t *testing.T) {
	base := errors.New("boom")

	err := NewEngineError("compact", base)
	if got := err.Error(); got != "compact: boom" {
		t.Errorf("Error() = %q, want %q", got, "compact: boom")
	}

	err = err.WithSession("sess-6")
	if got := err.Error(); got != "compact (session=sess-6): boom" {
		t.Errorf("Error() = %q, want session form", got)
	}

	if !errors.Is(err, base) {
		t.Error("errors.Is() = false, want unwrap to base error")
	}

	err = err.WithContext("tokens", 42)
	if err.Context["tokens"] != 42 {
		t.Errorf("Context[tokens] = %v, want 42", err.Context["tokens"])
	}

	if WrapError("op", nil) != nil {
		t.Error("WrapError(nil) != nil")
	}
}
