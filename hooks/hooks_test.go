package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/recall"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry returned nil")
	}
}

func TestOnBeforeTurn(t *testing.T) {
	r := NewRegistry()
	var capturedSessionID string

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		capturedSessionID = req.SessionID
		return nil
	})

	err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{SessionID: "session-123"})
	if err != nil {
		t.Errorf("TriggerBeforeTurn returned error: %v", err)
	}
	if capturedSessionID != "session-123" {
		t.Errorf("expected sessionID 'session-123', got '%s'", capturedSessionID)
	}
}

func TestOnAfterTurn(t *testing.T) {
	r := NewRegistry()
	var capturedResult *recall.TurnResult

	r.OnAfterTurn(func(ctx context.Context, res *recall.TurnResult) error {
		capturedResult = res
		return nil
	})

	testResult := &recall.TurnResult{Injected: true, TrimmedCount: 3}

	err := r.TriggerAfterTurn(context.Background(), testResult)
	if err != nil {
		t.Errorf("TriggerAfterTurn returned error: %v", err)
	}
	if capturedResult != testResult {
		t.Error("result was not passed to hook")
	}
}

func TestOnBeforeCompaction(t *testing.T) {
	r := NewRegistry()
	var capturedSessionID string

	r.OnBeforeCompaction(func(ctx context.Context, sessionID string) error {
		capturedSessionID = sessionID
		return nil
	})

	err := r.TriggerBeforeCompaction(context.Background(), "session-456")
	if err != nil {
		t.Errorf("TriggerBeforeCompaction returned error: %v", err)
	}
	if capturedSessionID != "session-456" {
		t.Errorf("expected sessionID 'session-456', got '%s'", capturedSessionID)
	}
}

func TestOnAfterCompaction(t *testing.T) {
	r := NewRegistry()
	var capturedResult *compaction.Result

	r.OnAfterCompaction(func(ctx context.Context, result *compaction.Result) error {
		capturedResult = result
		return nil
	})

	testResult := &compaction.Result{
		TokensBefore: 1000,
		UsedFallback: true,
	}

	err := r.TriggerAfterCompaction(context.Background(), testResult)
	if err != nil {
		t.Errorf("TriggerAfterCompaction returned error: %v", err)
	}
	if capturedResult != testResult {
		t.Error("result was not passed to hook")
	}
}

func TestHookError(t *testing.T) {
	r := NewRegistry()
	expectedErr := errors.New("hook error")

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		return expectedErr
	})

	err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
}

func TestMultipleHooks(t *testing.T) {
	r := NewRegistry()
	callOrder := []int{}

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		callOrder = append(callOrder, 1)
		return nil
	})

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		callOrder = append(callOrder, 2)
		return nil
	})

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		callOrder = append(callOrder, 3)
		return nil
	})

	err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
	if err != nil {
		t.Errorf("TriggerBeforeTurn returned error: %v", err)
	}

	if len(callOrder) != 3 {
		t.Errorf("expected 3 hooks to be called, got %d", len(callOrder))
	}

	// Verify hooks are called in order
	for i, v := range callOrder {
		if v != i+1 {
			t.Errorf("expected call order %d at index %d, got %d", i+1, i, v)
		}
	}
}

func TestHookStopsOnError(t *testing.T) {
	r := NewRegistry()
	called := []int{}
	expectedErr := errors.New("stop here")

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		called = append(called, 1)
		return nil
	})

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		called = append(called, 2)
		return expectedErr // This should stop execution
	})

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		called = append(called, 3) // This should NOT be called
		return nil
	})

	err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}

	if len(called) != 2 {
		t.Errorf("expected 2 hooks to be called before error, got %d", len(called))
	}
}

func TestLoggingHooksRegister(t *testing.T) {
	r := NewRegistry()
	NewLoggingHooks(nil).Register(r)

	if err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{SessionID: "s"}); err != nil {
		t.Errorf("TriggerBeforeTurn returned error: %v", err)
	}
	if err := r.TriggerAfterTurn(context.Background(), &recall.TurnResult{}); err != nil {
		t.Errorf("TriggerAfterTurn returned error: %v", err)
	}
	if err := r.TriggerBeforeCompaction(context.Background(), "s"); err != nil {
		t.Errorf("TriggerBeforeCompaction returned error: %v", err)
	}
	if err := r.TriggerAfterCompaction(context.Background(), &compaction.Result{}); err != nil {
		t.Errorf("TriggerAfterCompaction returned error: %v", err)
	}
}

func TestConcurrentHookRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	numGoroutines := 100

	// Concurrently register hooks
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
				return nil
			})
		}()
	}
	wg.Wait()

	// Trigger should work without panic
	err := r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
	if err != nil {
		t.Errorf("TriggerBeforeTurn returned error: %v", err)
	}
}

func TestConcurrentHookTrigger(t *testing.T) {
	r := NewRegistry()
	var callCount int
	var mu sync.Mutex

	r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	numGoroutines := 100

	// Concurrently trigger hooks
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
		}()
	}
	wg.Wait()

	if callCount != numGoroutines {
		t.Errorf("expected %d calls, got %d", numGoroutines, callCount)
	}
}

func TestConcurrentRegistrationAndTrigger(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Pre-register some hooks
	for i := 0; i < 10; i++ {
		r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
			return nil
		})
	}

	// Concurrently register and trigger
	wg.Add(200)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			r.OnBeforeTurn(func(ctx context.Context, req *recall.TurnRequest) error {
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			r.TriggerBeforeTurn(context.Background(), &recall.TurnRequest{})
		}()
	}
	wg.Wait()

	// No panic means success - the mutex is working
}
