package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify_Table(t *testing.T) {
	cases := []struct {
		message     string
		class       Classification
		recoverable bool
	}{
		{"authentication failed for origin", ClassAuthentication, true},
		{"401 unauthorized", ClassAuthentication, true},
		{"connection refused", ClassNetwork, true},
		{"dial tcp 10.0.0.1:443: i/o timeout", ClassNetwork, true},
		{"merge conflict in main.go", ClassConflict, true},
		{"fatal: not a git repository", ClassRepository, true},
		{"API rate limit exceeded, reset in 30 seconds", ClassRateLimit, true},
		{"syntax error near unexpected token", ClassSyntax, true},
		{"undefined: someFunc", ClassReference, true},
		{"cannot use x (int) as string value", ClassType, true},
		{"open /tmp/x: no such file or directory", ClassFilesystem, true},
		{"something completely different", ClassUnknown, false},
	}

	for _, tc := range cases {
		info := Classify(errors.New(tc.message), nil)
		if info.Classification != tc.class {
			t.Errorf("%q classified as %s, want %s", tc.message, info.Classification, tc.class)
		}
		if info.Recoverable != tc.recoverable {
			t.Errorf("%q recoverable = %v, want %v", tc.message, info.Recoverable, tc.recoverable)
		}
	}
}

func TestParseResetInterval(t *testing.T) {
	cases := []struct {
		message string
		want    time.Duration
		ok      bool
	}{
		{"reset in 1 seconds", time.Second, true},
		{"reset in 5 minutes", 5 * time.Minute, true},
		{"reset in 2 hours", 2 * time.Hour, true},
		{"retry after 10 s", 10 * time.Second, true},
		{"no interval here", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseResetInterval(tc.message)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseResetInterval(%q) = %v,%v; want %v,%v", tc.message, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRecover_RateLimitWaitAndRetry(t *testing.T) {
	h := NewHandler(Options{})
	info := h.Handle(errors.New("rate limit exceeded, reset in 1 seconds"), nil)
	if info.Classification != ClassRateLimit {
		t.Fatalf("classification = %s", info.Classification)
	}

	start := time.Now()
	attempts := 0
	result := h.Recover(context.Background(), info, func(context.Context) error {
		attempts++
		return nil
	})

	if !result.Success || result.Strategy != "wait-and-retry" {
		t.Errorf("result = %+v, want success via wait-and-retry", result)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed %v, want >= 1s wait before retry", elapsed)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRecover_RetryWithBackoff(t *testing.T) {
	h := NewHandler(Options{MaxRetryAttempts: 3, RetryDelay: 10 * time.Millisecond})
	info := h.Handle(errors.New("connection refused"), nil)

	attempts := 0
	result := h.Recover(context.Background(), info, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if !result.Success || result.Strategy != "retry-with-backoff" {
		t.Errorf("result = %+v", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRecover_BackoffExhaustion(t *testing.T) {
	h := NewHandler(Options{MaxRetryAttempts: 2, RetryDelay: time.Millisecond})
	info := h.Handle(errors.New("connection reset"), nil)

	result := h.Recover(context.Background(), info, func(context.Context) error {
		return errors.New("connection reset")
	})
	if result.Success {
		t.Error("exhausted retries should not report success")
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestRecover_BackoffHonoursDeadline(t *testing.T) {
	h := NewHandler(Options{MaxRetryAttempts: 5, RetryDelay: 200 * time.Millisecond})
	info := h.Handle(errors.New("connection timed out"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := h.Recover(ctx, info, func(context.Context) error {
		return errors.New("connection timed out")
	})
	if result.Success {
		t.Error("should fail under an expired deadline")
	}
	if !errors.Is(result.Err, ErrDeadline) {
		t.Errorf("err = %v, want ErrDeadline", result.Err)
	}
}

func TestRecover_AuthenticationLadder(t *testing.T) {
	refreshed := false
	h := NewHandler(Options{Callbacks: Callbacks{
		RefreshCredentials: func(context.Context) error { refreshed = true; return nil },
	}})
	info := h.Handle(errors.New("authentication failed"), nil)

	calls := 0
	result := h.Recover(context.Background(), info, func(context.Context) error {
		calls++
		return nil
	})
	if !result.Success || result.Strategy != "refresh-credentials" {
		t.Errorf("result = %+v", result)
	}
	if !refreshed || calls != 1 {
		t.Errorf("refreshed=%v calls=%d", refreshed, calls)
	}
}

func TestRecover_ConflictFallsThroughLadder(t *testing.T) {
	var order []string
	h := NewHandler(Options{Callbacks: Callbacks{
		AutoMerge:  func(context.Context) error { order = append(order, "auto-merge"); return errors.New("still conflicted") },
		PreferOurs: func(context.Context) error { order = append(order, "prefer-ours"); return nil },
	}})
	info := h.Handle(errors.New("merge conflict in app.go"), nil)

	result := h.Recover(context.Background(), info, func(context.Context) error { return nil })
	if !result.Success || result.Strategy != "prefer-ours" {
		t.Errorf("result = %+v", result)
	}
	if len(order) != 2 || order[0] != "auto-merge" {
		t.Errorf("ladder order = %v", order)
	}
}

func TestRecover_UnknownSurfaces(t *testing.T) {
	h := NewHandler(Options{})
	original := errors.New("weird failure")
	info := h.Handle(original, nil)

	result := h.Recover(context.Background(), info, nil)
	if result.Success || !errors.Is(result.Err, original) {
		t.Errorf("unknown errors must surface: %+v", result)
	}
}

func TestCircuitBreaker_TripAndProbe(t *testing.T) {
	b := NewCircuitBreaker("svc", 3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker rejected call %d", i)
		}
		b.RecordResult(false)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open after threshold", b.State())
	}
	if b.Allow() {
		t.Error("open breaker must fail fast")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should admit a probe after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("state = %s, want half-open", b.State())
	}
	if b.Allow() {
		t.Error("only one probe may be in flight")
	}

	b.RecordResult(true)
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed after successful probe", b.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	b := NewCircuitBreaker("svc", 1, 10*time.Millisecond)
	b.Allow()
	b.RecordResult(false)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordResult(false)
	if b.State() != BreakerOpen {
		t.Errorf("state = %s, want open after failed probe", b.State())
	}
}

func TestExecuteWithBreaker(t *testing.T) {
	h := NewHandler(Options{BreakerThreshold: 2, BreakerCooldown: time.Hour})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := h.ExecuteWithBreaker(context.Background(), "flaky", func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	touched := false
	err := h.ExecuteWithBreaker(context.Background(), "flaky", func(context.Context) error {
		touched = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if touched {
		t.Error("open circuit must not touch the service")
	}

	// Other services are unaffected
	if err := h.ExecuteWithBreaker(context.Background(), "healthy", func(context.Context) error { return nil }); err != nil {
		t.Errorf("healthy service: %v", err)
	}
}

func TestHandler_Metrics(t *testing.T) {
	h := NewHandler(Options{MaxRetryAttempts: 1, RetryDelay: time.Millisecond})

	for i := 0; i < 3; i++ {
		info := h.Handle(fmt.Errorf("connection refused attempt %d", i), nil)
		h.Recover(context.Background(), info, func(context.Context) error { return nil })
	}
	h.Handle(errors.New("mystery"), nil)

	m := h.Metrics()
	if m.Handled != 4 || m.Recovered != 3 {
		t.Errorf("metrics = %+v", m)
	}
	if m.ByClass[ClassNetwork] != 3 || m.ByClass[ClassUnknown] != 1 {
		t.Errorf("byClass = %v", m.ByClass)
	}
}
