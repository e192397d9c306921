// Package daemon assembles the running process: configuration, logging,
// tracing, workflow definitions, the turn journal, the session engine,
// the pack coordinator and the gateway server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/blocunited/weave/internal/config"
	"github.com/blocunited/weave/internal/logger"
	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/internal/tracing"
	"github.com/blocunited/weave/internal/version"
	"github.com/blocunited/weave/pkg/contextvars"
	"github.com/blocunited/weave/pkg/gateway"
	"github.com/blocunited/weave/pkg/handoff"
	"github.com/blocunited/weave/pkg/journal"
	"github.com/blocunited/weave/pkg/pack"
	"github.com/blocunited/weave/pkg/reasoner"
	"github.com/blocunited/weave/pkg/session"
	"github.com/blocunited/weave/pkg/toolexec"
	"github.com/blocunited/weave/pkg/toolexec/uiwait"
	"github.com/blocunited/weave/pkg/workflow"
)

// Daemon owns every long-lived component and tears them down in
// reverse wiring order.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	journal   *journal.Journal
	retention *journal.Retention
	sink      *journal.Fanout
	executor  *toolexec.Executor
	waits     *uiwait.Broker
	engine    *session.Engine
	packStore *pack.SQLiteStore
	packs     *pack.Coordinator
	server    *gateway.Server
	watcher   *workflow.Watcher
}

// New wires the daemon from a validated config. Nothing is listening or
// sweeping yet; call Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    false,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := tracing.InitOpenTelemetry("weave", version.Version); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	d := &Daemon{cfg: cfg, log: log}
	if err := d.wire(log.GetZerolog()); err != nil {
		log.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(zl zerolog.Logger) error {
	cfg := d.cfg

	jour, err := journal.New(cfg.Journal.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	d.journal = jour
	d.retention = journal.NewRetention(jour,
		time.Duration(cfg.Journal.IdleTimeoutMinutes)*time.Minute,
		time.Duration(cfg.Journal.DeleteAgeDays)*24*time.Hour,
		zl,
	)
	d.retention.SetMaxEvents(cfg.Journal.MaxEvents)

	// The gateway broadcaster joins the fanout after the server is
	// built below.
	sink := journal.NewFanout(jour)
	d.sink = &sink

	d.executor = toolexec.New(d.sink, zl)
	d.waits = uiwait.NewBroker(zl)

	statuses, err := session.NewFileStatusStore(filepath.Join(cfg.DataDir, "status"))
	if err != nil {
		return fmt.Errorf("failed to open status store: %w", err)
	}

	d.engine = session.NewEngine(session.Options{
		Sink:      d.sink,
		Executor:  d.executor,
		Statuses:  statuses,
		Judge:     d.buildJudge(zl),
		Funcs:     contextvars.NewFuncRegistry(),
		Config:    cfg.Session.Variables,
		AppID:     cfg.Session.AppID,
		Retention: time.Duration(cfg.Session.RetentionMinutes) * time.Minute,
		OnAbort:   d.waits.CancelChat,
		Logger:    zl,
	})

	store, err := pack.NewSQLiteStore(cfg.Pack.DBPath, cfg.Pack.SnapshotDir, zl)
	if err != nil {
		return fmt.Errorf("failed to open pack store: %w", err)
	}
	d.packStore = store
	d.packs = pack.NewCoordinator(store, d.engine, d.engine, zl)
	d.engine.SetPackNotifier(d.packs)

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: time.Duration(cfg.Gateway.TickIntervalSeconds) * time.Second,
		Engine:       d.engine,
		Packs:        d.packs,
		Waits:        d.waits,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	d.server = server
	d.sink.Add(server.Broadcaster())

	d.registerBuiltinTools()

	return d.loadDefinitions(zl)
}

// BeginPackTool is the tool name a definition binds its decomposition
// shape to. A structured output declaring multi-workflow intent starts
// the pack run in-process; the binding must set accepts_context so the
// parent chat travels with the arguments.
const BeginPackTool = "begin_pack"

func (d *Daemon) registerBuiltinTools() {
	d.executor.Register(BeginPackTool, d.beginPack)
}

func (d *Daemon) beginPack(ctx context.Context, args map[string]any) (any, error) {
	chatID, _ := args["chat_id"].(string)
	if chatID == "" {
		return nil, fmt.Errorf("%s requires accepts_context on its binding", BeginPackTool)
	}

	dec := pack.Decomposition{Edges: make(map[string][]string)}
	if v, ok := args["app_id"].(string); ok {
		dec.AppID = v
	}
	dec.Workflows = stringSlice(args["workflows"])
	if len(dec.Workflows) == 0 {
		return nil, fmt.Errorf("%s requires a non-empty workflows list", BeginPackTool)
	}
	if edges, ok := args["edges"].(map[string]any); ok {
		for child, parents := range edges {
			dec.Edges[child] = stringSlice(parents)
		}
	}

	// Children must outlive the parent's in-flight turn.
	run, err := d.packs.Begin(context.WithoutCancel(ctx), chatID, dec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": run.ID, "workflows": len(run.Workflows)}, nil
}

func stringSlice(v any) []string {
	var out []string
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// buildJudge returns the natural-language condition judge, or nil when
// no AI profile is configured. Routing treats a nil judge as
// condition-false.
func (d *Daemon) buildJudge(zl zerolog.Logger) handoff.Judge {
	profile := d.cfg.JudgeProfile()
	if profile == nil {
		zl.Warn().Msg("No AI profile configured, natural-language handoff conditions are disabled")
		return nil
	}

	provider, err := reasoner.NewProvider(reasoner.AuthProfile{
		Provider: profile.Provider,
		APIKey:   profile.APIKey,
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Failed to build judge provider, natural-language handoff conditions are disabled")
		return nil
	}

	return reasoner.NewJudge(provider, reasoner.Options{
		Model:       d.cfg.Judge.Model,
		MaxTokens:   d.cfg.Judge.MaxTokens,
		Temperature: d.cfg.Judge.Temperature,
		Timeout:     time.Duration(d.cfg.Judge.TimeoutSeconds) * time.Second,
	}, zl)
}

func (d *Daemon) loadDefinitions(zl zerolog.Logger) error {
	loader := workflow.NewLoader(zl)

	if _, err := os.Stat(d.cfg.Workflows.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(d.cfg.Workflows.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create workflows dir: %w", err)
		}
	}

	defs, err := loader.LoadDir(d.cfg.Workflows.Dir)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}
	d.registerDefinitions(zl, defs)

	if d.cfg.Workflows.Watch {
		watcher, err := workflow.NewWatcher(d.cfg.Workflows.Dir, loader, zl, func(defs map[string]*workflow.Definition) {
			d.registerDefinitions(zl, defs)
		})
		if err != nil {
			return fmt.Errorf("failed to watch workflows dir: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// registerDefinitions registers every loaded definition, skipping the
// broken ones so one bad file never takes down the rest.
func (d *Daemon) registerDefinitions(zl zerolog.Logger, defs map[string]*workflow.Definition) {
	for name, def := range defs {
		if err := d.engine.RegisterDefinition(def); err != nil {
			zl.Error().Err(err).Str("workflow", name).Msg("Skipping workflow definition")
			continue
		}
		zl.Info().Str("workflow", name).Str("version", def.Version).Msg("Workflow registered")
	}
}

// Run starts the gateway, the journal retention sweep and pack
// recovery, then blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if err := d.retention.Start(); err != nil {
		return fmt.Errorf("failed to start journal retention: %w", err)
	}

	if err := d.packs.Recover(ctx); err != nil {
		d.log.Warn().Err(err).Msg("Pack recovery failed")
	}

	d.log.Info().
		Int("port", d.cfg.Gateway.Port).
		Str("workflows_dir", d.cfg.Workflows.Dir).
		Msg("Daemon running")

	<-ctx.Done()
	return d.Stop()
}

// Stop tears everything down in reverse wiring order.
func (d *Daemon) Stop() error {
	d.log.Info().Msg("Daemon shutting down")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to stop workflow watcher")
		}
	}
	if err := d.server.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to stop gateway")
	}
	if d.retention.IsRunning() {
		if err := d.retention.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to stop journal retention")
		}
	}

	d.engine.Close()

	if err := d.packStore.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close pack store")
	}
	if err := d.journal.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close journal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.log.Warn().Err(err).Msg("Failed to shut down tracing")
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close audit log")
	}

	return d.log.Close()
}

// Engine exposes the session engine for in-process callers.
func (d *Daemon) Engine() *session.Engine { return d.engine }

// Packs exposes the pack coordinator for in-process callers.
func (d *Daemon) Packs() *pack.Coordinator { return d.packs }
