package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpequegn/xqueue-watcher/internal/metrics"
	"github.com/jpequegn/xqueue-watcher/internal/supervisor"
)

// exit codes matching the original manager's contract: a clean shutdown is
// 0, a shutdown that times out waiting on its Workers is 9, and any
// configuration error is some other non-zero code.
const (
	exitOK                 = 0
	exitShutdownJoinFailed = 9
)

// shutdownGrace bounds how long serve waits for in-flight submissions to
// finish replying once a shutdown signal arrives.
const shutdownGrace = 30 * time.Second

var quitIfEmpty bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the grading worker pool until stopped",
	Long: `serve builds one Worker per configured queue connection and runs them
until SIGINT/SIGTERM, a Worker goroutine dies unexpectedly, or (with
--quit-if-empty) the configuration has nothing to watch at all.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&quitIfEmpty, "quit-if-empty", "e", false, "exit immediately if no queues are configured")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("serve: --config/-f is required")
	}

	sup, err := supervisor.NewSupervisor(cfgFile, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	if err := sup.Start(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("worker pool started", "config", cfgFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := sup.MetricsAddr(); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", addr)
	}

	waitErr := sup.Wait(ctx, quitIfEmpty)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if shutdownErr := sup.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown did not complete cleanly", "error", shutdownErr)
		os.Exit(exitShutdownJoinFailed)
	}

	if waitErr != nil {
		return fmt.Errorf("serve: %w", waitErr)
	}
	return nil
}
