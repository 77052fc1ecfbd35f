package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/themisdb/internal/checkpoint"
	"github.com/cuemby/themisdb/internal/config"
	"github.com/cuemby/themisdb/internal/dblog"
	"github.com/cuemby/themisdb/internal/metrics"
	"github.com/cuemby/themisdb/internal/themisdb"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "themisdbd",
	Short:   "ThemisDB - embedded multi-model database engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("themisdbd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file overlaying the built-in defaults")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	dblog.Init(dblog.Config{
		Level:      dblog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig overlays the --config file and THEMISDB_* environment
// variables onto the built-in defaults, then overrides data_dir with
// the positional/flag value every subcommand accepts.
func loadConfig(cmd *cobra.Command, dataDir string) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a data directory, replay its WAL and rebuild every registered index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args[0])
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := themisdb.Open(cfg)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DataDir, err)
		}
		defer db.Close()

		metrics.RegisterComponent("themisdb", true, "opened "+cfg.DataDir)
		fmt.Printf("themisdbd: opened %s\n", cfg.DataDir)
		fmt.Println("Press Ctrl+C to close.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nClosing...")
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <data-dir> <checkpoint-dir>",
	Short: "Take a consistent point-in-time backup of a data directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args[0])
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		retentionDays, _ := cmd.Flags().GetInt("retention-days")

		db, err := themisdb.Open(cfg)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DataDir, err)
		}
		defer db.Close()

		nowMs, _ := cmd.Flags().GetInt64("now-ms")
		if nowMs == 0 {
			nowMs = nowMillis()
		}
		m, err := db.Checkpoint(args[1], retentionDays, nowMs)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Printf("themisdbd: checkpoint written to %s (%.2f MB)\n", m.CheckpointDir, m.BackupSizeMB)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-dir> <target-data-dir>",
	Short: "Restore a data directory from a checkpoint, optionally replaying the archived WAL tail",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args[1])
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var replay *checkpoint.ReplayTarget
		if upToSeq, _ := cmd.Flags().GetUint64("up-to-seq"); upToSeq > 0 {
			replay = &checkpoint.ReplayTarget{UpToSeq: upToSeq}
		}

		db, m, err := themisdb.Restore(cfg, args[0], replay)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		defer db.Close()

		fmt.Printf("themisdbd: restored %s from checkpoint taken at %d\n", cfg.DataDir, m.Timestamp)
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the Prometheus /metrics and /healthz endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler)

		fmt.Printf("themisdbd: serving metrics on %s\n", addr)
		server := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			fmt.Println("\nShutting down metrics server...")
			return nil
		}
	},
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func init() {
	checkpointCmd.Flags().Int("retention-days", 7, "Retention window recorded in the checkpoint manifest")
	checkpointCmd.Flags().Int64("now-ms", 0, "Timestamp to stamp the manifest with (defaults to current time)")
	restoreCmd.Flags().Uint64("up-to-seq", 0, "Replay the archived WAL tail up to this changefeed sequence (0 skips replay)")
	serveMetricsCmd.Flags().String("addr", "127.0.0.1:9090", "Listen address for /metrics and /healthz")
}
