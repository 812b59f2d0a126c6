package resilience

import (
	"errors"
	"testing"
	"time"
)

// errUpstream stands in for a degraded generative backend.
var errUpstream = errors.New("assist upstream: 500 internal error")

// flakyBackend counts calls and fails until the failure budget is spent.
type flakyBackend struct {
	calls    int
	failures int
}

func (b *flakyBackend) call() error {
	b.calls++
	if b.failures > 0 {
		b.failures--
		return errUpstream
	}
	return nil
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "assist"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HealthyBackendPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "assist", MaxFailures: 3})
	backend := &flakyBackend{}

	for i := 0; i < 10; i++ {
		if err := cb.Execute(backend.call); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if backend.calls != 10 {
		t.Errorf("backend calls = %d, want 10", backend.calls)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterRepeatedBackendFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "assist",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // stays open for the whole test
	})
	backend := &flakyBackend{failures: 100}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(backend.call); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	// The tripped breaker must shed load, not forward it.
	err := cb.Execute(backend.call)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if backend.calls != 3 {
		t.Errorf("backend calls = %d, want 3 (rejected call must not reach it)", backend.calls)
	}
}

func TestCircuitBreaker_IntermittentFailuresStayClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "assist", MaxFailures: 3})

	// Two failures, then a recovery; the consecutive counter starts over.
	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return errUpstream })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (failures were not consecutive)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "assist",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return errUpstream })
	if cb.State() != StateOpen {
		t.Fatal("expected open after consecutive failures")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open once the reset timeout elapsed", cb.State())
	}
}

func TestCircuitBreaker_RecoversWhenBackendHealsInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "assist",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	backend := &flakyBackend{failures: 2}

	// Trip the breaker on the failing backend.
	_ = cb.Execute(backend.call)
	_ = cb.Execute(backend.call)

	time.Sleep(15 * time.Millisecond)

	// Backend has healed; the trial calls succeed and close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(backend.call); err != nil {
			t.Fatalf("trial call %d: unexpected error: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after the backend recovered", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "assist",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return errUpstream })

	time.Sleep(15 * time.Millisecond)

	// The backend is still broken; one failed trial call re-opens.
	if err := cb.Execute(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open again after half-open failure", s)
	}
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "assist",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(func() error { return errUpstream })
	_ = cb.Execute(func() error { return errUpstream })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
