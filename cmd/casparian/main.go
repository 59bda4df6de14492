package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/pkg/config"
	"github.com/sl224/casparianflow/pkg/events"
	"github.com/sl224/casparianflow/pkg/log"
	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/scout"
	"github.com/sl224/casparianflow/pkg/sentinel"
	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/supervisor"
	"github.com/sl224/casparianflow/pkg/types"
	"github.com/sl224/casparianflow/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime error,
// 3 partial failure with structured JSON on stdout.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
	exitPartial = 3
)

// exitError carries an explicit process exit code up to main
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRuntime)
	}
}

var rootCmd = &cobra.Command{
	Use:   "casparian",
	Short: "Casparian Flow - distributed file-processing platform",
	Long: `Casparian Flow discovers files on storage roots, tags them by
pattern, and dispatches per-file jobs to sandboxed plugins whose
tabular outputs fan out to parquet files and relational tables with
exactly-once-visible commits and explicit lineage.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Casparian Flow %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (default: $CASPARIAN_HOME/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sentinelCmd)
	rootCmd.AddCommand(supervisorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(subscribeCmd)
}

// loadConfig builds the application context for a command
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, &exitError{code: exitConfig, err: err}
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, &exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.Database.Backend != "sqlite" {
		return nil, &exitError{code: exitConfig, err: fmt.Errorf("unsupported database backend %q", cfg.Database.Backend)}
	}
	store, err := storage.Open(cfg.Database.Path, storage.Options{RetryLimit: cfg.Worker.MaxRetries})
	if err != nil {
		return nil, &exitError{code: exitRuntime, err: err}
	}
	return store, nil
}

// signalContext cancels on SIGINT/SIGTERM for cooperative drain
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Run the scout once over a source root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		jsonOut, _ := cmd.Flags().GetBool("json")
		watch, _ := cmd.Flags().GetBool("watch")
		pluginList, _ := cmd.Flags().GetString("plugin")
		var manual []string
		if pluginList != "" {
			manual = strings.Split(pluginList, ",")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		sc := scout.New(store, cfg.Scan, broker)
		if watch {
			if err := sc.Watch(ctx, args[0], manual); err != nil && !errors.Is(err, context.Canceled) {
				return &exitError{code: exitRuntime, err: err}
			}
			return nil
		}

		summary, err := sc.Scan(ctx, args[0], manual)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}

		if jsonOut {
			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Printf("Scanned %s\n", summary.Root)
			fmt.Printf("  Directories:  %d\n", summary.Dirs)
			fmt.Printf("  Files:        %d\n", summary.Files)
			fmt.Printf("  New versions: %d\n", summary.NewVersions)
			fmt.Printf("  Jobs queued:  %d\n", summary.JobsEnqueued)
			fmt.Printf("  Errors:       %d\n", summary.Errors)
			fmt.Printf("  Duration:     %s\n", summary.Duration)
		}
		// Absorbed per-entry errors are reported in the summary; a
		// completed walk exits 0.
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		if cfg.Worker.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.Worker.MetricsAddr); err != nil {
					log.Errorf("metrics server stopped", err)
				}
			}()
		}

		w, err := worker.New(cfg, store, broker)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		defer w.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Worker %s online (%s mode)\n", w.ID(), cfg.Cluster.DispatchMode)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return &exitError{code: exitRuntime, err: err}
		}
		return nil
	},
}

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Run the cluster broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		// The supervisor's recovery sweep rides with the broker process.
		sup := supervisor.New(store, cfg.Cluster, broker)
		sup.Start()
		defer sup.Stop()

		s := sentinel.New(store, cfg.Cluster, broker)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return &exitError{code: exitRuntime, err: err}
		}
		return nil
	},
}

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the lease-recovery supervisor standalone",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		return supervisor.New(store, cfg.Cluster, nil).Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply metadata store migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg) // Open applies pending migrations
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Println("Metadata store is up to date")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, workers, and recent failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		counts, err := store.CountJobsByStatus(ctx)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		workers, err := store.ListWorkers(ctx)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		failures, err := store.ListJobs(ctx, storage.JobFilter{Status: types.JobFailed, Limit: 10})
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			out, _ := json.MarshalIndent(map[string]any{
				"queue":    counts,
				"workers":  workers,
				"failures": failures,
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		}

		fmt.Println("Queue:")
		for _, status := range []types.JobStatus{
			types.JobPending, types.JobClaimed, types.JobRunning,
			types.JobCompleted, types.JobFailed, types.JobSkipped,
		} {
			if n := counts[status]; n > 0 {
				fmt.Printf("  %-10s %d\n", status, n)
			}
		}
		fmt.Printf("Workers: %d\n", len(workers))
		for _, w := range workers {
			job := "-"
			if w.CurrentJobID != nil {
				job = fmt.Sprintf("job %d", *w.CurrentJobID)
			}
			fmt.Printf("  %-28s %-8s %s (last heartbeat %s)\n", w.ID, w.Status, job, w.LastHeartbeat.Format("15:04:05"))
		}
		if len(failures) > 0 {
			fmt.Println("Recent failures:")
			for _, j := range failures {
				fmt.Printf("  job %d [%s] %s: %s\n", j.ID, j.ErrorKind, j.PluginName, firstLine(j.ErrorMessage))
			}
		}
		return nil
	},
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	scanCmd.Flags().Bool("json", false, "Print the scan summary as JSON")
	scanCmd.Flags().Bool("watch", false, "Keep scanning on filesystem changes")
	scanCmd.Flags().String("plugin", "", "Comma-separated manual plugin set to enqueue for every new version")
	statusCmd.Flags().Bool("json", false, "Print status as JSON")
}
