// Package loopctl tracks a run's turn/step counters, budgets, and the
// repeated-denial guard that keeps a model from looping on refused actions.
package loopctl

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxSteps caps executed tool calls. Zero means a conservative default.
	MaxSteps int
	// MaxWallTime caps the run's elapsed time. Zero means unbounded.
	MaxWallTime time.Duration
	// DenialThreshold is the number of consecutive denials of the same
	// approval fingerprint after which the run aborts.
	DenialThreshold int
	// CancelChecker reports whether the run was cancelled externally.
	// Errors fail open to "not cancelled": a broken cancel probe must
	// never wedge a run.
	CancelChecker func() (bool, error)
}

// Controller is the per-run bookkeeping for turns, steps, and budgets.
// Counters are monotonic and never reused, including across resume.
type Controller struct {
	mu sync.Mutex

	turnID int
	stepID int

	maxSteps      int
	stepsConsumed int

	maxWallTime time.Duration
	startedAt   time.Time

	denialThreshold int
	denials         map[string]int

	cancelChecker func() (bool, error)
}

const (
	defaultMaxSteps        = 30
	defaultDenialThreshold = 3
)

// New creates a Controller with its clock started.
func New(opts Options) *Controller {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.DenialThreshold <= 0 {
		opts.DenialThreshold = defaultDenialThreshold
	}
	return &Controller{
		maxSteps:        opts.MaxSteps,
		maxWallTime:     opts.MaxWallTime,
		startedAt:       time.Now(),
		denialThreshold: opts.DenialThreshold,
		denials:         make(map[string]int),
		cancelChecker:   opts.CancelChecker,
	}
}

// Seed advances the counters past values already recorded in a prior log.
// Used on resume so turn/step IDs are never reused.
func (c *Controller) Seed(lastTurn, lastStep, stepsConsumed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastTurn > c.turnID {
		c.turnID = lastTurn
	}
	if lastStep > c.stepID {
		c.stepID = lastStep
	}
	if stepsConsumed > c.stepsConsumed {
		c.stepsConsumed = stepsConsumed
	}
}

// NextTurnID returns the next monotonic turn identifier.
func (c *Controller) NextTurnID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnID++
	return c.turnID
}

// NextStepID returns the next monotonic step identifier.
func (c *Controller) NextStepID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepID++
	return c.stepID
}

// CurrentTurnID returns the last issued turn identifier.
func (c *Controller) CurrentTurnID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// TryConsumeToolStep consumes one unit of step budget. It returns false once
// the budget is exhausted; the caller must terminate the run with a
// budget_exceeded error. Denied or validation-failed calls must not consume.
func (c *Controller) TryConsumeToolStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stepsConsumed >= c.maxSteps {
		return false
	}
	c.stepsConsumed++
	return true
}

// StepsConsumed returns the number of executed tool steps so far.
func (c *Controller) StepsConsumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsConsumed
}

// MaxSteps returns the current step budget.
func (c *Controller) MaxSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSteps
}

// WallTimeExceeded reports whether elapsed time passed the wall budget.
func (c *Controller) WallTimeExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxWallTime <= 0 {
		return false
	}
	return time.Since(c.startedAt) > c.maxWallTime
}

// IsCancelled consults the injected cancel predicate, failing open.
func (c *Controller) IsCancelled() bool {
	c.mu.Lock()
	checker := c.cancelChecker
	c.mu.Unlock()
	if checker == nil {
		return false
	}
	cancelled, err := checker()
	if err != nil {
		slog.Warn("Cancel check failed, treating run as not cancelled", "error", err)
		return false
	}
	return cancelled
}

// RecordDeniedApproval counts a denial for a fingerprint.
func (c *Controller) RecordDeniedApproval(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denials[key]++
}

// ResetDenials clears the denial count for a fingerprint, called when the
// same fingerprint is later approved.
func (c *Controller) ResetDenials(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.denials, key)
}

// ShouldAbortDenials reports whether a fingerprint hit the denial threshold.
func (c *Controller) ShouldAbortDenials(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denials[key] >= c.denialThreshold
}

// DenialCounts returns a copy of the denial map, used to seed a resumed run.
func (c *Controller) DenialCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.denials))
	for k, v := range c.denials {
		out[k] = v
	}
	return out
}

// SeedDenials restores denial counts from a prior run's log.
func (c *Controller) SeedDenials(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range counts {
		if v > c.denials[k] {
			c.denials[k] = v
		}
	}
}

// RaiseBudget increases budgets by the given deltas. Budgets only grow; this
// is the explicit recovery path and is never invoked silently.
func (c *Controller) RaiseBudget(steps int, wall time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if steps > 0 {
		c.maxSteps += steps
	}
	if wall > 0 && c.maxWallTime > 0 {
		c.maxWallTime += wall
	}
}
