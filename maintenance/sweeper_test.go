package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockMaintainer implements store.Maintainer for testing.
type mockMaintainer struct {
	mu sync.Mutex

	pruned      int
	deactivated int
	backfilled  int

	pruneCalls      int
	deactivateCalls int
	backfillCalls   int
	acquireCalls    int
	releaseCalls    int

	lastHolder      string
	lastTTL         time.Duration
	lastPruneCutoff time.Time
	lastFactCutoff  time.Time
	lastBatchSize   int

	denyLock      bool
	acquireErr    error
	pruneErr      error
	deactivateErr error
	backfillErr   error
	releaseErr    error
}

func (m *mockMaintainer) PruneSegments(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCalls++
	m.lastPruneCutoff = olderThan
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	return m.pruned, nil
}

func (m *mockMaintainer) DeactivateFacts(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateCalls++
	m.lastFactCutoff = olderThan
	if m.deactivateErr != nil {
		return 0, m.deactivateErr
	}
	return m.deactivated, nil
}

func (m *mockMaintainer) BackfillEmbeddings(_ context.Context, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backfillCalls++
	m.lastBatchSize = batchSize
	if m.backfillErr != nil {
		return 0, m.backfillErr
	}
	return m.backfilled, nil
}

func (m *mockMaintainer) AcquireSweepLock(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	m.lastHolder = holder
	m.lastTTL = ttl
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	return !m.denyLock, nil
}

func (m *mockMaintainer) ReleaseSweepLock(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	return m.releaseErr
}

func TestNewDefaults(t *testing.T) {
	s := New(&mockMaintainer{}, nil)

	if s.config.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", s.config.Interval, DefaultInterval)
	}
	if s.config.Retention != DefaultRetention {
		t.Errorf("Retention = %v, want %v", s.config.Retention, DefaultRetention)
	}
	if s.config.FactRetention != DefaultFactRetention {
		t.Errorf("FactRetention = %v, want %v", s.config.FactRetention, DefaultFactRetention)
	}
	if s.config.BackfillBatchSize != DefaultBackfillBatch {
		t.Errorf("BackfillBatchSize = %d, want %d", s.config.BackfillBatchSize, DefaultBackfillBatch)
	}
	if s.config.LockTTL != DefaultLockTTL {
		t.Errorf("LockTTL = %v, want %v", s.config.LockTTL, DefaultLockTTL)
	}
	if s.config.Holder == "" {
		t.Error("Holder is empty, want a generated id")
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	m := &mockMaintainer{pruned: 3, deactivated: 2, backfilled: 5}
	s := New(m, &Config{
		Holder:            "sweeper-a",
		Retention:         24 * time.Hour,
		FactRetention:     48 * time.Hour,
		BackfillBatchSize: 16,
		LockTTL:           5 * time.Minute,
	})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	result := s.RunOnce(context.Background())

	if len(result.Errors) != 0 {
		t.Fatalf("RunOnce() errors = %v", result.Errors)
	}
	if result.Skipped {
		t.Fatal("RunOnce() skipped, want a full sweep")
	}
	if result.SegmentsPruned != 3 {
		t.Errorf("SegmentsPruned = %d, want 3", result.SegmentsPruned)
	}
	if result.FactsDeactivated != 2 {
		t.Errorf("FactsDeactivated = %d, want 2", result.FactsDeactivated)
	}
	if result.EmbeddingsBackfilled != 5 {
		t.Errorf("EmbeddingsBackfilled = %d, want 5", result.EmbeddingsBackfilled)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHolder != "sweeper-a" {
		t.Errorf("lock holder = %q, want sweeper-a", m.lastHolder)
	}
	if m.lastTTL != 5*time.Minute {
		t.Errorf("lock ttl = %v, want 5m", m.lastTTL)
	}
	if m.releaseCalls != 1 {
		t.Errorf("release calls = %d, want 1", m.releaseCalls)
	}
	if want := fixed.Add(-24 * time.Hour); !m.lastPruneCutoff.Equal(want) {
		t.Errorf("prune cutoff = %v, want %v", m.lastPruneCutoff, want)
	}
	if want := fixed.Add(-48 * time.Hour); !m.lastFactCutoff.Equal(want) {
		t.Errorf("fact cutoff = %v, want %v", m.lastFactCutoff, want)
	}
	if m.lastBatchSize != 16 {
		t.Errorf("backfill batch = %d, want 16", m.lastBatchSize)
	}
}

func TestSweeper_RunOnceSkipsWhenLocked(t *testing.T) {
	m := &mockMaintainer{denyLock: true}
	s := New(m, nil)

	result := s.RunOnce(context.Background())

	if !result.Skipped {
		t.Fatal("RunOnce() Skipped = false, want true")
	}
	if len(result.Errors) != 0 {
		t.Errorf("RunOnce() errors = %v, want none", result.Errors)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneCalls != 0 || m.deactivateCalls != 0 || m.backfillCalls != 0 {
		t.Error("sweep ran maintenance without holding the lock")
	}
	if m.releaseCalls != 0 {
		t.Errorf("release calls = %d, want 0", m.releaseCalls)
	}
}

func TestSweeper_RunOnceLockError(t *testing.T) {
	m := &mockMaintainer{acquireErr: errors.New("connection refused")}
	s := New(m, nil)

	result := s.RunOnce(context.Background())

	if len(result.Errors) != 1 {
		t.Fatalf("RunOnce() errors = %v, want 1", result.Errors)
	}
	if !errors.Is(result.Errors[0], m.acquireErr) {
		t.Errorf("error = %v, want wrapped %v", result.Errors[0], m.acquireErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneCalls != 0 || m.backfillCalls != 0 {
		t.Error("sweep ran maintenance after a lock error")
	}
}

func TestSweeper_RunOnceCollectsErrors(t *testing.T) {
	m := &mockMaintainer{
		pruneErr:      errors.New("prune failed"),
		deactivateErr: errors.New("deactivate failed"),
		backfilled:    7,
	}
	s := New(m, nil)

	result := s.RunOnce(context.Background())

	if len(result.Errors) != 2 {
		t.Fatalf("RunOnce() errors = %v, want 2", result.Errors)
	}
	if result.EmbeddingsBackfilled != 7 {
		t.Errorf("EmbeddingsBackfilled = %d, want 7; later steps must run despite earlier errors", result.EmbeddingsBackfilled)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseCalls != 1 {
		t.Errorf("release calls = %d, want 1", m.releaseCalls)
	}
}

func TestSweeper_RetentionDisabled(t *testing.T) {
	m := &mockMaintainer{backfilled: 1}
	s := New(m, &Config{Interval: time.Hour})

	result := s.RunOnce(context.Background())

	if len(result.Errors) != 0 {
		t.Fatalf("RunOnce() errors = %v", result.Errors)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneCalls != 0 {
		t.Error("segments pruned with zero retention")
	}
	if m.deactivateCalls != 0 {
		t.Error("facts deactivated with zero fact retention")
	}
	if m.backfillCalls != 1 {
		t.Errorf("backfill calls = %d, want 1", m.backfillCalls)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	m := &mockMaintainer{pruned: 1}
	sweeps := make(chan *Result, 8)
	s := New(m, &Config{
		Interval:  time.Hour,
		Retention: time.Hour,
		OnSweep:   func(result *Result) { sweeps <- result },
	})

	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("Expected sweeper to be running")
	}

	// Second start should fail
	if err := s.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	// The first sweep runs immediately on start.
	select {
	case result := <-sweeps:
		if result.SegmentsPruned != 1 {
			t.Errorf("SegmentsPruned = %d, want 1", result.SegmentsPruned)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep within 2s of Start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("Expected sweeper to not be running")
	}

	// A stopped sweeper can be started again.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	select {
	case <-sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep after restart")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() after restart error = %v", err)
	}
}

func TestSweeper_StopNotStarted(t *testing.T) {
	s := New(&mockMaintainer{}, nil)

	if err := s.Stop(); err != ErrNotStarted {
		t.Fatalf("Stop() error = %v, want %v", err, ErrNotStarted)
	}
}

func TestSweeper_OnError(t *testing.T) {
	m := &mockMaintainer{backfillErr: errors.New("embedder down")}
	errs := make(chan error, 8)
	s := New(m, &Config{
		Interval: time.Hour,
		OnError:  func(err error) { errs <- err },
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, m.backfillErr) {
			t.Errorf("OnError got %v, want wrapped %v", err, m.backfillErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called within 2s")
	}
}
