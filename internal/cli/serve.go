package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
	"github.com/ppiankov/runforge/internal/config"
	"github.com/ppiankov/runforge/internal/execute"
	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/investigate"
	"github.com/ppiankov/runforge/internal/notify"
	"github.com/ppiankov/runforge/internal/plan"
	"github.com/ppiankov/runforge/internal/server"
	"github.com/ppiankov/runforge/internal/supervisor"
)

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config YAML (default: RUNFORGE_CONFIG or built-in defaults)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server",
	Long:  "Runs the full remediation pipeline behind an HTTP/JSON API.\nSupports hot-reload of the guardrail policy file.",
	RunE:  runServe,
}

// stack is everything serve and mcp share: the wired pipeline plus the
// handles that need closing or background running.
type stack struct {
	cfg        *config.Config
	logger     *slog.Logger
	auditLog   *audit.Log
	store      *approval.Store
	gate       *approval.Gate
	enforcer   *guardrail.Enforcer
	supervisor *supervisor.Supervisor
}

func (s *stack) Close() {
	s.store.Close()
	s.auditLog.Close()
}

// buildStack wires the pipeline from configuration: audit trail, guardrail,
// approval gate, investigator, planner, executor, supervisor.
func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	catalog := guardrail.NewCatalog()
	policyCfg, policyHash, err := guardrail.LoadConfigWithHash(cfg.Guardrail.PolicyPath, catalog)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("load guardrail policy: %w", err)
	}
	enforcer := guardrail.NewEnforcer(policyCfg, policyHash, catalog, auditLog)

	store, err := approval.OpenStore(cfg.Approval.StorePath)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("open approval store: %w", err)
	}

	dispatcher := notify.NewDispatcher(cfg.Webhooks)
	var notifier approval.Notifier
	if dispatcher != nil {
		notifier = dispatcher
	}
	gate := approval.NewGate(store, auditLog, notifier, cfg.Approval.Timeout, logger)

	var analyzer *investigate.Analyzer
	if cfg.Investigation.LLMURL != "" {
		analyzer = investigate.NewAnalyzer(investigate.AnalyzerConfig{
			APIURL: cfg.Investigation.LLMURL,
			APIKey: cfg.Investigation.LLMAPIKey,
			Model:  cfg.Investigation.LLMModel,
		})
	}
	source := investigate.NewSignalClient(cfg.Investigation.SourceURL, cfg.Investigation.SourceTimeout)
	investigator := investigate.New(source, analyzer, investigate.Config{
		SignalWindow:     cfg.Investigation.SignalWindow,
		Deadline:         cfg.Investigation.Deadline,
		MaxRetryInterval: cfg.Investigation.MaxRetryInterval,
	}, logger)

	templates, err := plan.LoadTemplates(cfg.Planning.TemplatesPath)
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}
	planner := plan.New(catalog, policyCfg.Thresholds, templates, logger)

	executor := execute.New(enforcer, gate, execute.NewSimulatedRunner(0, logger), auditLog, logger)

	sup := supervisor.New(investigator, planner, executor, gate, auditLog, dispatcher, supervisor.Config{
		MaxConcurrent: cfg.Workflows.MaxConcurrent,
		ResumeTimeout: cfg.Workflows.ResumeTimeout,
	}, logger)

	return &stack{
		cfg:        cfg,
		logger:     logger,
		auditLog:   auditLog,
		store:      store,
		gate:       gate,
		enforcer:   enforcer,
		supervisor: sup,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := buildStack(serveConfigPath)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := server.New(st.supervisor, st.enforcer, server.Config{
		Address:         st.cfg.Server.Address,
		MetricsAddress:  st.cfg.Server.MetricsAddress,
		GracefulTimeout: st.cfg.Server.GracefulTimeout,
		AuditPath:       st.cfg.Audit.Path,
		PolicyPath:      st.cfg.Guardrail.PolicyPath,
	}, st.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Expire stale approvals in the background.
	go st.gate.Run(ctx)

	if st.cfg.Guardrail.HotReload {
		reloader, err := server.NewReloader(st.enforcer, st.cfg.Guardrail.PolicyPath, st.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go reloader.Run(ctx)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	st.logger.Info("runforge server starting",
		"address", st.cfg.Server.Address,
		"metrics", st.cfg.Server.MetricsAddress,
		"policy_hash", st.enforcer.PolicyHash(),
	)
	return srv.Run(ctx)
}
