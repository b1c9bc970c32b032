package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/gateway"
	"dhi/internal/intercept"
	"dhi/internal/logging"
	"dhi/internal/orchestrator"
	"dhi/internal/sandbox"
	"dhi/internal/server"
	"dhi/internal/types"
	"dhi/internal/veil"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	modeFlag   string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dhi",
	Short: "Dhi - cognitive middleware for verified code generation",
	Long: `Dhi sits between the IDE and the cloud LLM. Every generated candidate
runs inside a hardened sandbox before the IDE ever sees it; failures feed a
bounded repair loop, passes carry an attestation manifest, and only
deterministic outcomes reach behavioral memory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// serveCmd runs the HTTP middleware service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Dhi middleware service",
	Long: `Starts the HTTP surface: /verify for direct sandbox runs, /intercept
for single governed generation attempts, /orchestrate for the full retry
loop, and /manifest/{request_id} for attestation retrieval.

The governance policy file is watched and hot-reloaded; an invalid edit
keeps the previous policy active.`,
	RunE: runServe,
}

// verifyCmd verifies a local candidate file without any LLM involvement
var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Run a local Python file through the sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

// orchestrateCmd runs one full request from the command line
var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate [instruction]",
	Short: "Run the full generate-verify-retry loop for one instruction",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOrchestrate,
}

// fingerprintCmd prints or pins the environment fingerprint
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Show the current environment fingerprint",
	Long: `Computes the environment fingerprint the determinism gate compares
against its baseline. With --save, the current environment becomes the new
baseline and subsequent runs are gated against it.`,
	RunE: runFingerprint,
}

// manifestCmd fetches a stored attestation manifest
var manifestCmd = &cobra.Command{
	Use:   "manifest [request-id]",
	Short: "Print the attestation manifest for a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifest,
}

// statusCmd reports sandbox and store health
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Dhi component status",
	RunE:  runStatus,
}

var saveBaseline bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dhi.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVarP(&modeFlag, "mode", "m", string(types.ModeBalanced), "Verification mode (fast, balanced, strict)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	fingerprintCmd.Flags().BoolVar(&saveBaseline, "save", false, "Pin the current environment as the gate baseline")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stack holds the wired pipeline components for one process.
type stack struct {
	cfg       *config.Config
	executor  *sandbox.Executor
	intercept *intercept.Service
	orch      *orchestrator.Service
	ledger    *veil.Ledger
	manifests *attestation.Store
}

func buildStack(needLLM bool) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	executor := sandbox.NewExecutor(cfg.Sandbox)

	manifests, err := attestation.NewStore(cfg.Veil.ManifestDir)
	if err != nil {
		return nil, err
	}
	ledger, err := veil.OpenLedger(cfg.Veil.LedgerPath)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:       cfg,
		executor:  executor,
		ledger:    ledger,
		manifests: manifests,
	}

	if needLLM {
		client, err := gateway.NewHTTPClient(cfg.LLM)
		if err != nil {
			_ = ledger.Close()
			return nil, err
		}
		s.intercept = intercept.NewService(cfg.Governance, cfg.Sandbox, client, executor)
		s.orch = orchestrator.NewService(s.intercept, ledger, manifests, cfg.Veil)
	}
	return s, nil
}

func (s *stack) close() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			logger.Warn("ledger close failed", zap.Error(err))
		}
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := buildStack(true)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	// Governance policy hot reload. An invalid file keeps the previous
	// policy.
	watcher, err := config.NewPolicyWatcher(configPath, func(next *config.Config) {
		logger.Info("policy reloaded", zap.String("path", configPath))
		st.intercept.UpdatePolicy(next.Governance, next.Sandbox)
	})
	if err != nil {
		logger.Warn("policy watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("policy watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	srv := server.New(st.cfg.ListenAddr, st.executor, st.intercept, st.orch, st.manifests)
	srv.SetPipelineFactory(func(o config.LLMOverrides) (orchestrator.Attempter, server.Orchestrator, error) {
		derived, err := st.cfg.LLM.Apply(o)
		if err != nil {
			return nil, nil, err
		}
		client, err := gateway.NewHTTPClient(derived)
		if err != nil {
			return nil, nil, err
		}
		ic := intercept.NewService(st.cfg.Governance, st.cfg.Sandbox, client, st.executor)
		return ic, orchestrator.NewService(ic, st.ledger, st.manifests, st.cfg.Veil), nil
	})
	logger.Info("dhi serving",
		zap.String("addr", st.cfg.ListenAddr),
		zap.Bool("sandbox", st.executor.IsAvailable()),
		zap.Bool("strict", st.executor.StrictAvailable()))
	return srv.ListenAndServe(ctx)
}

func runVerify(cmd *cobra.Command, args []string) error {
	st, err := buildStack(false)
	if err != nil {
		return err
	}
	defer st.close()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read candidate: %w", err)
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	result, err := st.executor.Run(ctx, sandbox.Request{
		RequestID:   "cli-" + uuid.NewString(),
		CandidateID: uuid.NewString(),
		Attempt:     1,
		Mode:        types.Mode(modeFlag),
		Code:        string(code),
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	st, err := buildStack(true)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	result, err := st.orch.Run(ctx, orchestrator.Request{
		RequestID: "cli-" + uuid.NewString(),
		Content:   strings.Join(args, " "),
		Mode:      types.Mode(modeFlag),
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var commands []string
	for _, pc := range sandbox.DefaultPlan() {
		commands = append(commands, strings.Join(pc.Argv, " "))
	}
	fp := veil.Generate(veil.GenerateOptions{
		SandboxImageFile: cfg.Veil.SandboxImageFile,
		LockfilePath:     cfg.Veil.LockfilePath,
		Commands:         commands,
	})

	if saveBaseline {
		if err := veil.SaveBaseline(cfg.Veil.BaselinePath, fp); err != nil {
			return err
		}
		logger.Info("baseline pinned", zap.String("path", cfg.Veil.BaselinePath))
	}
	return printJSON(fp)
}

func runManifest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := attestation.NewStore(cfg.Veil.ManifestDir)
	if err != nil {
		return err
	}
	manifest, err := store.Get(args[0])
	if err != nil {
		return err
	}
	return printJSON(manifest)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := buildStack(false)
	if err != nil {
		return err
	}
	defer st.close()

	manifests, err := st.manifests.List()
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"name":             st.cfg.Name,
		"version":          st.cfg.Version,
		"sandbox":          st.executor.IsAvailable(),
		"strict_available": st.executor.StrictAvailable(),
		"manifests_stored": len(manifests),
		"ledger_path":      st.cfg.Veil.LedgerPath,
	})
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
