// internal/recovery/handler.go
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// touching the underlying service
var ErrCircuitOpen = errors.New("circuit open")

// Callbacks are the optional external operations recovery strategies can
// drive. A missing callback skips that rung of the strategy ladder.
type Callbacks struct {
	RefreshCredentials func(ctx context.Context) error
	CheckPermissions   func(ctx context.Context) error
	FallbackAuth       func(ctx context.Context) error
	TestConnectivity   func(ctx context.Context) error
	AutoMerge          func(ctx context.Context) error
	PreferOurs         func(ctx context.Context) error
	InteractiveResolve func(ctx context.Context) error
	Reinitialize       func(ctx context.Context) error
	Repair             func(ctx context.Context) error
	SuggestFix         func(ctx context.Context, message string) ([]string, error)
}

// Metrics counts handler activity
type Metrics struct {
	Handled   int                    `json:"handled"`
	Recovered int                    `json:"recovered"`
	Failed    int                    `json:"failed"`
	ByClass   map[Classification]int `json:"byClass"`
}

// RecoveryResult is the outcome of a recovery attempt
type RecoveryResult struct {
	Success     bool     `json:"success"`
	Strategy    string   `json:"strategy"`
	Attempts    int      `json:"attempts"`
	Suggestions []string `json:"suggestions,omitempty"`
	Err         error    `json:"-"`
}

// Options configures a Handler
type Options struct {
	MaxRetryAttempts int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Callbacks        Callbacks
}

// Handler classifies errors and drives recovery strategies, keeping one
// circuit breaker per logical service name.
type Handler struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	maxRetryAttempts int
	retryDelay       time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	callbacks        Callbacks

	metricsMu sync.Mutex
	metrics   Metrics

	recoveredCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// NewHandler creates an error handler
func NewHandler(opts Options) *Handler {
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	meter := otel.GetMeterProvider().Meter("agentcore")
	recovered, _ := meter.Int64Counter("agentcore_errors_recovered_total")
	failed, _ := meter.Int64Counter("agentcore_errors_failed_total")

	return &Handler{
		breakers:         make(map[string]*CircuitBreaker),
		maxRetryAttempts: opts.MaxRetryAttempts,
		retryDelay:       opts.RetryDelay,
		breakerThreshold: opts.BreakerThreshold,
		breakerCooldown:  opts.BreakerCooldown,
		callbacks:        opts.Callbacks,
		metrics:          Metrics{ByClass: make(map[Classification]int)},
		recoveredCounter: recovered,
		failedCounter:    failed,
	}
}

// Handle classifies an error and records it
func (h *Handler) Handle(err error, errCtx map[string]any) ErrorInfo {
	info := Classify(err, errCtx)

	h.metricsMu.Lock()
	h.metrics.Handled++
	h.metrics.ByClass[info.Classification]++
	h.metricsMu.Unlock()

	return info
}

// Recover drives the strategy ladder for a classified error. retryOp
// re-attempts the original operation and may be nil when no retry makes
// sense.
func (h *Handler) Recover(ctx context.Context, info ErrorInfo, retryOp func(context.Context) error) RecoveryResult {
	var result RecoveryResult

	switch info.Classification {
	case ClassNetwork:
		result = h.retryWithBackoff(ctx, retryOp)
		if !result.Success && h.callbacks.TestConnectivity != nil {
			if err := h.callbacks.TestConnectivity(ctx); err != nil {
				result.Err = fmt.Errorf("connectivity check failed: %w", err)
			}
		}
	case ClassRateLimit:
		result = h.waitAndRetry(ctx, info.Message, retryOp)
	case ClassAuthentication:
		result = h.runLadder(ctx, retryOp,
			rung{"refresh-credentials", h.callbacks.RefreshCredentials},
			rung{"check-permissions", h.callbacks.CheckPermissions},
			rung{"fallback-auth", h.callbacks.FallbackAuth},
		)
	case ClassConflict:
		result = h.runLadder(ctx, retryOp,
			rung{"auto-merge", h.callbacks.AutoMerge},
			rung{"prefer-ours", h.callbacks.PreferOurs},
			rung{"interactive-resolve", h.callbacks.InteractiveResolve},
		)
	case ClassRepository:
		result = h.runLadder(ctx, retryOp,
			rung{"reinitialize", h.callbacks.Reinitialize},
			rung{"repair", h.callbacks.Repair},
		)
	case ClassSyntax, ClassReference, ClassType:
		result = h.suggest(ctx, info, "llm-suggestions")
	case ClassFilesystem:
		result = h.suggest(ctx, info, "path-suggestions")
	default:
		result = RecoveryResult{Success: false, Strategy: "none", Err: info.OriginalError}
	}

	h.metricsMu.Lock()
	if result.Success {
		h.metrics.Recovered++
	} else {
		h.metrics.Failed++
	}
	h.metricsMu.Unlock()
	if result.Success {
		h.recoveredCounter.Add(ctx, 1)
	} else {
		h.failedCounter.Add(ctx, 1)
	}
	return result
}

type rung struct {
	name string
	fn   func(ctx context.Context) error
}

// runLadder tries each rung in order: run the remedial callback, then the
// original operation. The first rung whose retry succeeds wins.
func (h *Handler) runLadder(ctx context.Context, retryOp func(context.Context) error, rungs ...rung) RecoveryResult {
	result := RecoveryResult{}
	for _, r := range rungs {
		if r.fn == nil {
			continue
		}
		result.Strategy = r.name
		result.Attempts++
		if err := r.fn(ctx); err != nil {
			result.Err = err
			continue
		}
		if retryOp == nil {
			result.Success = true
			return result
		}
		if err := retryOp(ctx); err != nil {
			result.Err = err
			continue
		}
		result.Success = true
		return result
	}
	if result.Strategy == "" {
		result.Strategy = "none"
	}
	return result
}

// retryWithBackoff re-attempts with exponential delays: retryDelay * 2^n
func (h *Handler) retryWithBackoff(ctx context.Context, retryOp func(context.Context) error) RecoveryResult {
	result := RecoveryResult{Strategy: "retry-with-backoff"}
	if retryOp == nil {
		return result
	}

	for attempt := 0; attempt < h.maxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := h.retryDelay * time.Duration(1<<uint(attempt-1))
			if err := sleepCtx(ctx, delay); err != nil {
				result.Err = err
				return result
			}
		}
		result.Attempts++
		if err := retryOp(ctx); err != nil {
			result.Err = err
			continue
		}
		result.Success = true
		result.Err = nil
		return result
	}
	return result
}

var resetPattern = regexp.MustCompile(`(?i)(?:reset|retry)(?:\s+(?:in|after))\s+(\d+)\s*(seconds?|minutes?|hours?|s|m|h)\b`)

// ParseResetInterval extracts a rate-limit wait from an error message.
// Supports second/minute/hour units; returns false when no interval is
// present.
func ParseResetInterval(message string) (time.Duration, bool) {
	match := resetPattern.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	unit := strings.ToLower(match[2])
	switch {
	case strings.HasPrefix(unit, "s"):
		return time.Duration(n) * time.Second, true
	case strings.HasPrefix(unit, "m"):
		return time.Duration(n) * time.Minute, true
	case strings.HasPrefix(unit, "h"):
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}

// waitAndRetry sleeps out the advertised rate-limit window, then retries
func (h *Handler) waitAndRetry(ctx context.Context, message string, retryOp func(context.Context) error) RecoveryResult {
	result := RecoveryResult{Strategy: "wait-and-retry"}

	wait, ok := ParseResetInterval(message)
	if !ok {
		wait = h.retryDelay
	}
	log.Printf("[RECOVERY] rate limited, waiting %v before retry", wait)
	if err := sleepCtx(ctx, wait); err != nil {
		result.Err = err
		return result
	}

	if retryOp == nil {
		result.Success = true
		return result
	}
	result.Attempts = 1
	if err := retryOp(ctx); err != nil {
		result.Err = err
		return result
	}
	result.Success = true
	return result
}

// suggest produces fix suggestions without retrying the operation
func (h *Handler) suggest(ctx context.Context, info ErrorInfo, strategy string) RecoveryResult {
	result := RecoveryResult{Strategy: strategy}

	if h.callbacks.SuggestFix != nil {
		suggestions, err := h.callbacks.SuggestFix(ctx, info.Message)
		if err == nil && len(suggestions) > 0 {
			result.Success = true
			result.Suggestions = suggestions
			return result
		}
		result.Err = err
	}

	if info.Classification == ClassFilesystem {
		result.Suggestions = []string{
			"verify the path exists and is spelled correctly",
			"check read/write permissions on the target",
			"ensure parent directories exist before writing",
		}
		result.Success = true
	}
	return result
}

// Breaker returns (creating on first use) the circuit breaker for a
// logical service name
func (h *Handler) Breaker(service string) *CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	breaker, ok := h.breakers[service]
	if !ok {
		breaker = NewCircuitBreaker(service, h.breakerThreshold, h.breakerCooldown)
		h.breakers[service] = breaker
	}
	return breaker
}

// ExecuteWithBreaker runs fn behind the service's circuit breaker
func (h *Handler) ExecuteWithBreaker(ctx context.Context, service string, fn func(context.Context) error) error {
	breaker := h.Breaker(service)
	if !breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, service)
	}
	err := fn(ctx)
	breaker.RecordResult(err == nil)
	return err
}

// Metrics returns a copy of the handler counters
func (h *Handler) Metrics() Metrics {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()

	out := h.metrics
	out.ByClass = make(map[Classification]int, len(h.metrics.ByClass))
	for k, v := range h.metrics.ByClass {
		out.ByClass[k] = v
	}
	return out
}

// sleepCtx sleeps unless the context expires first, mapping expiry onto
// the engine taxonomy
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrDeadline, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
