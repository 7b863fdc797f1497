// Command conclave runs one Chief-directed orchestration session: it
// bootstraps agents from prompt files, wires the store, provider, and
// metrics, and drives the session for the objective given on the command
// line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/observer"
	"github.com/conclave-ai/conclave/provider/anthropic"
	"github.com/conclave-ai/conclave/store/postgres"
	"github.com/conclave-ai/conclave/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONCLAVE_CONFIG"), "path to TOML config")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	objective := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if objective == "" {
		fmt.Fprintln(os.Stderr, "usage: conclave [-config file] [-v] <objective>")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Load(*configPath)
	if cfg.LLM.APIKey == "" {
		logger.Error("no API key configured (set CONCLAVE_API_KEY or ANTHROPIC_API_KEY)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, objective); err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, objective string) error {
	// Store: PostgreSQL when configured, SQLite file otherwise.
	var store conclave.Store
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		store = postgres.New(pool, postgres.WithLogger(logger))
	} else {
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		defer s.Close()
		store = s
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	if cfg.Session.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Session.RetentionDays)
		if n, err := store.PruneInteractions(ctx, cutoff); err != nil {
			logger.Warn("prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned old interactions", "removed", n)
		}
	}

	requestTimeout := time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second

	var completer conclave.Completer
	clientOpts := []anthropic.ClientOption{
		anthropic.WithLogger(logger),
		anthropic.WithTimeout(requestTimeout),
	}
	if cfg.LLM.BaseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
	}
	completer = anthropic.NewClient(cfg.LLM.APIKey, clientOpts...)

	sinks := []conclave.EventSink{progressSink(logger)}
	var tracer conclave.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		completer = observer.WrapCompleter(completer, inst)
		tracer = observer.NewTracer()
		sinks = append(sinks, observer.EventSink(inst, "Chief"))
	}

	metrics := conclave.NewMetrics(
		conclave.WithThresholds(cfg.Metrics.StrongThreshold, cfg.Metrics.WeakThreshold),
		conclave.WithMetricsLogger(logger),
	)
	abtester := conclave.NewABTester(store,
		conclave.WithABLogger(logger),
		conclave.WithABMinSamples(cfg.Metrics.ABTestMinSamples),
	)

	defaultMode, ok := conclave.ParseHistoryMode(cfg.Session.DefaultHistoryMode)
	if !ok {
		defaultMode = conclave.HistoryConversational
	}

	orch := conclave.NewOrchestrator(completer, store,
		conclave.WithOrchestratorLogger(logger),
		conclave.WithOrchestratorTracer(tracer),
		conclave.WithCompletionDefaults(cfg.LLM.Model, cfg.LLM.MaxTokens),
		conclave.WithOrchestratorTemperature(cfg.LLM.Temperature),
		conclave.WithActivationTimeout(requestTimeout),
		conclave.WithDefaultHistoryMode(defaultMode),
		conclave.WithMaxSessionHistory(cfg.Session.MaxSessionHistory),
		conclave.WithMetrics(metrics),
		conclave.WithABTester(abtester),
		conclave.WithEvents(sinks...),
	)

	if err := bootstrap(ctx, orch, store, cfg.Bootstrap.BasePromptsPath, logger); err != nil {
		return err
	}

	session := conclave.NewSession(orch, store,
		conclave.WithSessionLogger(logger),
		conclave.WithMaxTicks(cfg.Session.MaxTicks),
		conclave.WithAskUser(stdinAskUser),
	)

	result, err := session.Run(ctx, objective)
	if err != nil {
		return err
	}
	if result.Halted {
		logger.Warn("session halted", "reason", result.HaltReason, "ticks", result.Ticks)
		return nil
	}
	logger.Info("session complete", "final_tag", result.FinalTag, "ticks", result.Ticks)
	fmt.Println(result.Payload)

	// Post-session refinement sweep: rewrite prompts for agents whose
	// effectiveness fell below the configured floor.
	refiner := conclave.NewRefiner(orch, store, metrics,
		conclave.WithRefinerLogger(logger),
		conclave.WithRefineThreshold(cfg.Metrics.RefinementThreshold),
		conclave.WithRefineTimeout(requestTimeout),
	)
	if applied, err := refiner.RefineWeaknesses(ctx); err != nil {
		logger.Warn("refinement pass failed", "error", err)
	} else if len(applied) > 0 {
		for _, ref := range applied {
			logger.Info("prompt refined", "agent", ref.Agent, "version", ref.Version)
		}
	}
	return nil
}

// bootstrap spawns one runtime per prompt file in dir and makes sure each
// agent exists in the store. The file name (minus .txt) is the agent name.
func bootstrap(ctx context.Context, orch *conclave.Orchestrator, store conclave.Store, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read prompts dir %q: %w", dir, err)
	}
	spawned := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".txt")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read prompt %q: %w", e.Name(), err)
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			logger.Warn("empty prompt file skipped", "file", e.Name())
			continue
		}

		// Persisted agents keep their stored prompt; new ones get the file
		// content as version 1.
		agent, err := store.GetAgentByName(ctx, name)
		switch {
		case err == nil:
			if v, verr := store.GetCurrentAgentVersion(ctx, agent.ID); verr == nil {
				prompt = v.PromptText
			}
		default:
			if _, aerr := store.AddAgent(ctx, name, "", prompt, "bootstrap"); aerr != nil {
				return fmt.Errorf("register agent %q: %w", name, aerr)
			}
		}
		orch.SpawnAgent(name, prompt)
		spawned++
	}
	if spawned == 0 {
		return fmt.Errorf("no prompt files found in %q", dir)
	}
	if _, ok := orch.AgentRuntime("Chief"); !ok {
		return fmt.Errorf("prompts dir %q has no Chief.txt", dir)
	}
	logger.Info("agents bootstrapped", "count", spawned)
	return nil
}

// progressSink logs agent lifecycle events at debug level and streams
// response text markers at info.
func progressSink(logger *slog.Logger) conclave.EventSink {
	return func(ev conclave.Event) {
		switch ev.Type {
		case conclave.EventStatus:
			logger.Debug("agent status", "agent", ev.Agent, "message", ev.Message, "progress", ev.Progress)
		case conclave.EventResponse:
			logger.Info("agent responded", "agent", ev.Agent, "chars", len(ev.Content))
		case conclave.EventError:
			logger.Warn("agent error", "agent", ev.Agent, "error", ev.Err)
		}
	}
}

// stdinAskUser prints the Chief's question and reads one answer line.
func stdinAskUser(ctx context.Context, question string) (string, error) {
	fmt.Printf("\n%s\n> ", question)
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
