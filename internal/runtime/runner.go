package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/loopctl"
	"github.com/RunLedger/RunLedger/internal/policy"
	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/sink"
	"github.com/RunLedger/RunLedger/internal/skills"
	"github.com/RunLedger/RunLedger/internal/tools"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// ArtifactStore persists compaction summaries outside the event log. The
// file backend implements it; other backends may not.
type ArtifactStore interface {
	WriteArtifact(runID string, seq int, content []byte) (path string, hash string, err error)
}

// Options wires a Runner. Backend, Provider, Policy and Registry are
// required; everything else degrades gracefully when absent.
type Options struct {
	Backend   wal.Backend
	Artifacts ArtifactStore
	Provider  provider.Provider
	Policy    policy.Engine
	Gate      *approval.Gate
	Registry  *tools.Registry
	Resolver  *skills.Resolver
	EnvStore  *skills.EnvStore
	EnvAsker  skills.EnvAsker
	Sink      sink.Sink
	Prompter  RecoveryPrompter
	Config    *config.Config
	Logger    *slog.Logger
}

// RecoveryPrompter is consulted when compaction mode is ask_first. It
// returns one of the RecoveryChoice values.
type RecoveryPrompter interface {
	ChooseRecovery(ctx context.Context, runID string, turnID int) (RecoveryChoice, error)
}

type RecoveryChoice string

const (
	RecoverCompact     RecoveryChoice = "compact"
	RecoverHandoff     RecoveryChoice = "handoff"
	RecoverRaiseBudget RecoveryChoice = "raise_budget"
	RecoverTerminate   RecoveryChoice = "terminate"
)

// Runner executes agent runs against a single event backend.
type Runner struct {
	opts Options
	log  *slog.Logger
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("runtime: event backend is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("runtime: model provider is required")
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewRuleEngine()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{opts: opts, log: opts.Logger}, nil
}

// RegisterSubagents exposes m's spawn and wait tools to the model.
func (r *Runner) RegisterSubagents(m *SubagentManager) {
	r.opts.Registry.Register(&SpawnAgentTool{Manager: m})
	r.opts.Registry.Register(&WaitAgentTool{Manager: m})
}

// RunOptions parameterize a single run.
type RunOptions struct {
	RunID         string
	Task          string
	CancelChecker func() (bool, error)
	MaxSteps      int
	MaxWallTime   time.Duration
}

// Outcome is the terminal state of a run.
type Outcome struct {
	RunID      string
	Status     string // completed | failed | cancelled
	FinalText  string
	Steps      int
	Turns      int
	WALLocator string
	Err        *RunError
}

// Run executes a task to completion, discarding the live event stream.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	events, wait := r.RunStream(ctx, opts)
	for range events {
	}
	return wait()
}

// RunStream starts a run on a background goroutine and returns a pull-based
// event stream plus a wait function for the outcome. The channel is closed
// after the terminal event; wait blocks until then.
func (r *Runner) RunStream(ctx context.Context, opts RunOptions) (<-chan wal.Event, func() (*Outcome, error)) {
	events := make(chan wal.Event, streamBuffer)
	done := make(chan struct{})
	var outcome *Outcome
	var outErr error

	go func() {
		defer close(events)
		defer close(done)
		outcome, outErr = r.execute(ctx, opts, events)
	}()

	wait := func() (*Outcome, error) {
		<-done
		return outcome, outErr
	}
	return events, wait
}

const streamBuffer = 256

func (r *Runner) execute(ctx context.Context, opts RunOptions, stream chan<- wal.Event) (*Outcome, error) {
	if strings.TrimSpace(opts.Task) == "" {
		return nil, fmt.Errorf("runtime: task must not be empty")
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	st, err := r.newRunState(runID, opts, stream)
	if err != nil {
		return nil, err
	}

	if err := st.emit(wal.EventRunStarted, 0, 0, map[string]any{
		"task":  opts.Task,
		"model": r.modelName(),
	}); err != nil {
		return nil, err
	}
	return st.loop(ctx)
}

func (r *Runner) modelName() string {
	if r.opts.Config.Model.Name != "" {
		return r.opts.Config.Model.Name
	}
	return r.opts.Provider.DefaultModel()
}

// runState is the per-run mutable state driven by the turn loop. All
// mutation happens on the loop goroutine.
type runState struct {
	r      *Runner
	id     string
	task   string
	ctrl   *loopctl.Controller
	stream chan<- wal.Event

	history     []provider.Message
	injected    map[string]bool
	env         *skills.EnvStore
	compactions int
}

func (r *Runner) newRunState(runID string, opts RunOptions, stream chan<- wal.Event) (*runState, error) {
	cfg := r.opts.Config
	maxSteps := cfg.Safety.MaxSteps
	if opts.MaxSteps > 0 {
		maxSteps = opts.MaxSteps
	}
	wall := time.Duration(cfg.Safety.MaxWallTimeSeconds) * time.Second
	if opts.MaxWallTime > 0 {
		wall = opts.MaxWallTime
	}
	ctrl := loopctl.New(loopctl.Options{
		MaxSteps:        maxSteps,
		MaxWallTime:     wall,
		DenialThreshold: cfg.Safety.DenialThreshold,
		CancelChecker:   opts.CancelChecker,
	})
	env := r.opts.EnvStore
	if env == nil {
		env = skills.NewEnvStore()
	} else {
		env = env.Clone()
	}
	return &runState{
		r:        r,
		id:       runID,
		task:     opts.Task,
		ctrl:     ctrl,
		stream:   stream,
		injected: make(map[string]bool),
		env:      env,
	}, nil
}

// emit appends an event to the WAL, mirrors it to the sink, and offers it
// to the live stream. WAL append failure is fatal; stream backpressure
// drops the live copy rather than stalling the loop.
func (s *runState) emit(typ string, turnID, stepID int, payload map[string]any) error {
	ev := &wal.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RunID:     s.id,
		TurnID:    turnID,
		StepID:    stepID,
		Payload:   payload,
	}
	if err := s.r.opts.Backend.Append(ev); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	if s.r.opts.Sink != nil {
		_ = s.r.opts.Sink.Publish(context.Background(), ev)
	}
	if s.stream != nil {
		select {
		case s.stream <- *ev:
		default:
			s.r.log.Warn("event stream full, dropping live event", "run_id", s.id, "type", typ)
		}
	}
	return nil
}

func (s *runState) outcome(status string, finalText string, runErr *RunError) *Outcome {
	return &Outcome{
		RunID:      s.id,
		Status:     status,
		FinalText:  finalText,
		Steps:      s.ctrl.StepsConsumed(),
		Turns:      s.ctrl.CurrentTurnID(),
		WALLocator: s.r.opts.Backend.Locator(),
		Err:        runErr,
	}
}

// terminal emits the run's terminal event and builds the outcome.
func (s *runState) terminal(status string, finalText string, runErr *RunError) (*Outcome, error) {
	payload := map[string]any{
		"steps":       s.ctrl.StepsConsumed(),
		"turns":       s.ctrl.CurrentTurnID(),
		"wal_locator": s.r.opts.Backend.Locator(),
	}
	var typ string
	switch status {
	case "completed":
		typ = wal.EventRunCompleted
		payload["final_text"] = finalText
	case "cancelled":
		typ = wal.EventRunCancelled
	default:
		typ = wal.EventRunFailed
		if runErr != nil {
			payload["error_kind"] = string(runErr.Kind)
			payload["error"] = runErr.Msg
		}
	}
	if err := s.emit(typ, s.ctrl.CurrentTurnID(), 0, payload); err != nil {
		return nil, err
	}
	return s.outcome(status, finalText, runErr), nil
}
