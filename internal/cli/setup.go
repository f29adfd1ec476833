package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/RunLedger/RunLedger/internal/approval"
	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/policy"
	"github.com/RunLedger/RunLedger/internal/provider"
	"github.com/RunLedger/RunLedger/internal/runtime"
	"github.com/RunLedger/RunLedger/internal/sink"
	"github.com/RunLedger/RunLedger/internal/skills"
	"github.com/RunLedger/RunLedger/internal/tools"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// openBackend builds the configured event backend. The returned cleanup is
// safe to call on a nil error path only.
func openBackend(cfg *config.Config) (wal.Backend, runtime.ArtifactStore, func(), error) {
	switch cfg.Paths.EventBackend {
	case "sqlite":
		b, err := wal.NewSQLiteBackend(cfg.Paths.EventDBPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		// Artifacts still go to the workspace even with sqlite events.
		files, err := wal.NewFileBackend(cfg.Paths.Workspace)
		if err != nil {
			b.Close()
			return nil, nil, nil, err
		}
		return b, files, func() { b.Close(); files.Close() }, nil
	default:
		b, err := wal.NewFileBackend(cfg.Paths.Workspace)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open file backend: %w", err)
		}
		return b, b, func() { b.Close() }, nil
	}
}

func buildPolicy(cfg *config.Config) policy.Engine {
	return &policy.RuleEngine{
		MaxAutoTier: cfg.Safety.MaxAutoTier,
		Rules:       cfg.Safety.ToolRules,
		DefaultMode: cfg.Safety.Mode,
	}
}

func buildRegistry(cfg *config.Config) *tools.Registry {
	reg := tools.NewRegistry()
	ws := cfg.Paths.Workspace
	reg.Register(tools.NewReadFileTool(ws))
	reg.Register(tools.NewWriteFileTool(ws))
	reg.Register(tools.NewEditFileTool(ws))
	reg.Register(tools.NewListDirTool(ws))
	reg.Register(tools.NewExecTool(ws, 2*time.Minute))
	return reg
}

func buildResolver(ctx context.Context, cfg *config.Config) (*skills.Resolver, func(), error) {
	var sources []skills.Source
	cleanup := func() {}
	if cfg.Skills.Dir != "" {
		sources = append(sources, skills.NewFSSource(cfg.Skills.Dir))
	}
	if cfg.Skills.PostgresDSN != "" {
		pg, err := skills.NewPGSource(ctx, cfg.Skills.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres skill source: %w", err)
		}
		sources = append(sources, pg)
		cleanup = pg.Close
	}
	if len(sources) == 0 {
		return nil, cleanup, nil
	}
	return skills.NewResolver(sources...), cleanup, nil
}

// buildRunner wires a Runner from config. With interactive set, approvals,
// recovery choices and skill env prompts go to the terminal; otherwise the
// run fails closed on anything that needs a human.
func buildRunner(ctx context.Context, cfg *config.Config, interactive bool, out io.Writer, in io.Reader) (*runtime.Runner, func(), error) {
	backend, artifacts, closeBackend, err := openBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanups := []func(){closeBackend}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	oa := cfg.Providers.OpenAI
	if oa.APIKey == "" {
		cleanup()
		return nil, nil, fmt.Errorf("no API key configured: set providers.openai.apiKey or RUNLEDGER_OPENAI_API_KEY")
	}
	model := cfg.Model.Name
	if oa.Model != "" {
		model = oa.Model
	}
	prov := provider.NewOpenAIProvider(oa.APIKey, oa.BaseURL, model)

	var approver approval.Provider
	var prompter runtime.RecoveryPrompter
	var envAsker skills.EnvAsker
	if interactive {
		console := &consoleApprover{out: out, in: in}
		approver = console
		prompter = console
		envAsker = console.AskEnv
	}
	gate, err := approval.NewGate(approver,
		time.Duration(cfg.Safety.ApprovalTimeoutSeconds)*time.Second)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, gate.Close)

	resolver, closeResolver, err := buildResolver(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeResolver)

	var eventSink sink.Sink
	if cfg.Sink.Enabled {
		ks := sink.NewKafkaSink(cfg.Sink.Brokers, cfg.Sink.Topic)
		eventSink = ks
		cleanups = append(cleanups, func() { ks.Close() })
	}

	runner, err := runtime.NewRunner(runtime.Options{
		Backend:   backend,
		Artifacts: artifacts,
		Provider:  prov,
		Policy:    buildPolicy(cfg),
		Gate:      gate,
		Registry:  buildRegistry(cfg),
		Resolver:  resolver,
		EnvAsker:  envAsker,
		Sink:      eventSink,
		Prompter:  prompter,
		Config:    cfg,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// Subagent tools need the runner, so they register last.
	mgr := runtime.NewSubagentManager(runner, 0)
	runner.RegisterSubagents(mgr)
	cleanups = append(cleanups, mgr.Shutdown)

	return runner, cleanup, nil
}
