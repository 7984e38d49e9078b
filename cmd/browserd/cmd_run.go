// Pool service commands.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statsInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the session pool until interrupted",
	Long: `Starts the pool, pre-warms it to min_instances, and keeps warm
spares at warm_target. Logs pool stats periodically. Ctrl+C drains the
pool: every member is terminated cleanly before exit.`,
	RunE: runPool,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Smoke-check the browser launch path",
	Long: `Launches one browser for the configured binary, runs a health
check over the control channel, and terminates it.`,
	RunE: runDoctor,
}

func init() {
	runCmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "interval between stats log lines")
	rootCmd.AddCommand(runCmd, doctorCmd)
}

func runPool(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	if err := rt.pool.Start(ctx); err != nil {
		return err
	}
	logger.Info("pool running",
		zap.Int("max_instances", cfg.Pool.MaxInstances),
		zap.Int("warm_target", cfg.Pool.WarmTarget))
	fmt.Println("browserd pool running. Press Ctrl+C to shut down.")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := rt.pool.Stats()
			logger.Info("pool stats",
				zap.Int("total", s.Total),
				zap.Int("idle", s.Idle),
				zap.Int("busy", s.Busy),
				zap.Int("queue_depth", s.QueueDepth),
				zap.Uint64("launched", s.Launched),
				zap.Uint64("retired", s.Retired))
		case <-ctx.Done():
			logger.Info("shutdown signal received, draining pool")
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return rt.close(closeCtx)
		}
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = rt.close(closeCtx)
	}()

	launchCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	fmt.Println("Launching browser...")
	h, err := rt.launcher(cfg)(launchCtx, "")
	if err != nil {
		return fmt.Errorf("launch failed: %w", err)
	}
	fmt.Printf("Launched handle %s\n", h.ID())

	if err := h.HealthCheck(launchCtx); err != nil {
		_ = h.Terminate(context.Background(), true)
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("Health check passed.")

	if rt.engine != nil {
		if err := rt.engine.Arm(launchCtx, h); err != nil {
			_ = h.Terminate(context.Background(), true)
			return fmt.Errorf("fingerprint arming failed: %w", err)
		}
		fmt.Println("Fingerprint masking armed.")
	}

	if err := h.Terminate(ctx, false); err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}
	fmt.Println("Terminated cleanly. All good.")
	return nil
}
