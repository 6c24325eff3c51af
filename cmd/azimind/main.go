package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"azimind/internal/logging"
	"azimind/internal/panel"
	"azimind/internal/scheduler"
	"azimind/internal/store"
	"azimind/internal/types"
)

var (
	baseDir string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "azimind",
	Short: "azimind - two-track cognitive agent runtime",
	Long: `azimind runs a fast brain track and a slow deep/dream worker track over
one append-only SQLite event log. The brain diagnoses, routes, and publishes
contracts per event; the worker replays dreams and pushes deep refinements
through the safety chain and the MVCC publish gate.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		if err := logging.Initialize(baseDir); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func openStore() (*store.Store, error) {
	return store.Open(filepath.Join(baseDir, "azimind.db"))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// injectSeed appends one synthetic event so the next pass has work queued.
func injectSeed(st *store.Store, eventType, content, mode string) error {
	meta := map[string]any{"forced": true}
	if mode != "" {
		meta["mode"] = mode
	}
	id, err := st.AppendEvent("manual", eventType, content, meta)
	if err != nil {
		return err
	}
	logger.Info("seed event injected", zap.Int64("event_id", id), zap.String("event_type", eventType))
	return nil
}

var (
	runOnce        bool
	brainInterval  time.Duration
	workerInterval time.Duration
	maxBrainEvents int
	maxWorkEvents  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run both tracks in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sched := scheduler.New(baseDir, st)
		sched.Zap = logger
		sched.BrainInterval = brainInterval
		sched.WorkerInterval = workerInterval
		sched.BrainWindow = maxBrainEvents
		sched.WorkerWindow = maxWorkEvents

		ctx, cancel := signalContext()
		defer cancel()

		if runOnce {
			handled, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("handled %d events\n", handled)
			return nil
		}
		logger.Info("runtime started",
			zap.String("base_dir", baseDir),
			zap.Duration("brain_interval", brainInterval),
			zap.Duration("worker_interval", workerInterval))
		return sched.Run(ctx)
	},
}

var (
	forceDeep   bool
	forceDream  bool
	forceDebate bool
	forceSkill  bool
)

func injectBrainSeeds(st *store.Store) error {
	if forceDeep {
		if err := injectSeed(st, types.EventDeepRequest, "forced deep reflection seed", ""); err != nil {
			return err
		}
	}
	if forceDream {
		if err := injectSeed(st, types.EventDreamRequest, "forced dream replay seed", "dream"); err != nil {
			return err
		}
	}
	if forceDebate {
		if err := injectSeed(st, types.EventIteration, "forced debate iteration seed", "debate"); err != nil {
			return err
		}
	}
	return nil
}

func injectWorkerSeeds(st *store.Store) error {
	if forceDeep {
		if err := injectSeed(st, types.EventDeepRequest, "forced deep reflection seed", ""); err != nil {
			return err
		}
	}
	if forceDream {
		if err := injectSeed(st, types.EventDreamRequest, "forced dream replay seed", "dream"); err != nil {
			return err
		}
	}
	if forceSkill {
		if err := injectSeed(st, types.EventInput, "forced skill drill seed", "skill"); err != nil {
			return err
		}
	}
	return nil
}

var brainCmd = &cobra.Command{
	Use:   "brain",
	Short: "Run the fast brain track",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sched := scheduler.New(baseDir, st)
		sched.Zap = logger
		sched.BrainWindow = maxBrainEvents

		if err := injectBrainSeeds(st); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if runOnce {
			handled, err := sched.RunBrainOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("brain handled %d events\n", handled)
			return nil
		}
		ticker := time.NewTicker(brainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if _, err := sched.RunBrainOnce(ctx); err != nil {
				logger.Error("brain cycle failed", zap.Error(err))
			}
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the slow deep/dream worker track",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sched := scheduler.New(baseDir, st)
		sched.Zap = logger
		sched.WorkerWindow = maxWorkEvents

		if err := injectWorkerSeeds(st); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if runOnce {
			handled, err := sched.RunWorkerOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("worker handled %d events\n", handled)
			return nil
		}
		ticker := time.NewTicker(workerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if _, err := sched.RunWorkerOnce(ctx); err != nil {
				logger.Error("worker cycle failed", zap.Error(err))
			}
		}
	},
}

var panelAddr string

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Serve the runtime snapshot over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		srv := panel.NewServer(baseDir, st)
		srv.Addr = panelAddr

		ctx, cancel := signalContext()
		defer cancel()
		logger.Info("panel started", zap.String("addr", panelAddr))
		return srv.Run(ctx)
	},
}

var (
	injectSource string
	injectType   string
	injectMeta   string
)

var injectCmd = &cobra.Command{
	Use:   "inject [content]",
	Short: "Append one event to the log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var meta map[string]any
		if injectMeta != "" {
			if err := json.Unmarshal([]byte(injectMeta), &meta); err != nil {
				return fmt.Errorf("parse --meta: %w", err)
			}
		}
		id, err := st.AppendEvent(injectSource, injectType, args[0], meta)
		if err != nil {
			return err
		}
		fmt.Printf("event %d appended\n", id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", ".", "runtime base directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	for _, cmd := range []*cobra.Command{runCmd, brainCmd, workerCmd} {
		cmd.Flags().BoolVar(&runOnce, "once", false, "run a single pass and exit")
	}
	runCmd.Flags().DurationVar(&brainInterval, "brain-interval", 2*time.Second, "brain loop tick")
	runCmd.Flags().DurationVar(&workerInterval, "worker-interval", 5*time.Second, "worker loop tick")
	runCmd.Flags().IntVar(&maxBrainEvents, "max-brain-events", 12, "requested brain window per cycle")
	runCmd.Flags().IntVar(&maxWorkEvents, "max-worker-events", 6, "requested worker window per cycle")

	brainCmd.Flags().DurationVar(&brainInterval, "interval", 2*time.Second, "loop tick")
	brainCmd.Flags().IntVar(&maxBrainEvents, "max-events", 12, "requested window per cycle")
	brainCmd.Flags().BoolVar(&forceDeep, "force-deep", false, "inject a deep reflection seed event")
	brainCmd.Flags().BoolVar(&forceDream, "force-dream", false, "inject a dream replay seed event")
	brainCmd.Flags().BoolVar(&forceDebate, "force-debate", false, "inject a debate iteration seed event")

	workerCmd.Flags().DurationVar(&workerInterval, "interval", 5*time.Second, "loop tick")
	workerCmd.Flags().IntVar(&maxWorkEvents, "max-events", 6, "requested window per cycle")
	workerCmd.Flags().BoolVar(&forceDeep, "force-deep", false, "inject a deep reflection seed event")
	workerCmd.Flags().BoolVar(&forceDream, "force-dream", false, "inject a dream replay seed event")
	workerCmd.Flags().BoolVar(&forceSkill, "force-skill", false, "inject a skill drill seed event")

	panelCmd.Flags().StringVar(&panelAddr, "addr", "127.0.0.1:8787", "listen address")

	injectCmd.Flags().StringVar(&injectSource, "source", "manual", "event source")
	injectCmd.Flags().StringVar(&injectType, "type", types.EventInput, "event type")
	injectCmd.Flags().StringVar(&injectMeta, "meta", "", "event meta as JSON")

	rootCmd.AddCommand(runCmd, brainCmd, workerCmd, panelCmd, injectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
