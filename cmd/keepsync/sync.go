package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepstack/keepsync/internal/engine"
	"github.com/keepstack/keepsync/internal/realtime"
	"github.com/keepstack/keepsync/internal/scheduler"
)

var (
	syncDaemon   bool
	syncFullPull bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle, or the daemon with --daemon",
	Long: `Run one push/pull cycle against the configured provider.

With --daemon, keep running: cycles fire on an interval, after local
mutations, and when connectivity returns, and the realtime subscription
merges backend changes between cycles. A control file (sync.disabled by
default) pauses all cycles while it exists.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if !syncDaemon {
			res := a.engine.RunCycle(ctx, engine.Options{ForceFullPull: syncFullPull})
			printResult(res)
			if !res.Success {
				os.Exit(1)
			}
			return
		}

		if err := runDaemon(ctx, a); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDaemon, "daemon", false, "run continuously")
	syncCmd.Flags().BoolVar(&syncFullPull, "full", false, "ignore sync tokens and pull the long historical window")
}

func runDaemon(ctx context.Context, a *app) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := a.sink.Logger("daemon")

	sched := scheduler.New(a.engine, a.engine.Guard(), scheduler.Config{
		Interval:       a.cfg.Sync.Interval,
		Debounce:       a.cfg.Sync.Debounce,
		KillSwitchPath: a.cfg.Sync.KillSwitchPath,
		Logger:         a.sink.Logger("scheduler"),
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	var rec *realtime.Reconciler
	online := make(chan struct{}, 1)
	if a.cfg.Realtime.Enabled && a.cfg.Realtime.URL != "" {
		rec = realtime.New(a.store, a.tombs, a.cfg.Realtime.URL, a.sink.Logger("realtime"))
		go func() {
			for {
				if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("realtime subscription ended: %v", err)
				}
				// The reconnect budget is spent; wait for an online
				// signal before subscribing again.
				select {
				case <-ctx.Done():
					return
				case <-online:
					rec.ResetBackoff()
				}
			}
		}()
	}

	// SIGUSR1 acts as the online/foreground signal from the host app.
	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)

	// First cycle runs right away rather than waiting out the interval.
	sched.NotifyForeground()

	logger.Println("daemon running")
	for {
		select {
		case <-ctx.Done():
			logger.Println("daemon shutting down")
			return nil
		case <-wake:
			// Connectivity is back: give the realtime loop a fresh
			// reconnect budget, then replay the queue and cycle.
			if rec != nil {
				rec.ResetBackoff()
				select {
				case online <- struct{}{}:
				default:
				}
			}
			sched.NotifyOnline()
		}
	}
}

func printResult(res engine.SyncResult) {
	if quiet {
		return
	}
	switch {
	case res.Skipped:
		fmt.Println("sync skipped (disabled or already running)")
		return
	case res.Aborted:
		fmt.Println("sync aborted")
	case res.Success:
		fmt.Printf("sync ok: pushed %d, pulled %d in %s\n",
			res.TotalPushed, res.TotalPulled, res.Duration.Round(time.Millisecond))
	default:
		fmt.Printf("sync completed with errors: pushed %d, pulled %d\n",
			res.TotalPushed, res.TotalPulled)
	}
	for _, ph := range res.Phases {
		fmt.Printf("  %-12s %s pushed=%d pulled=%d errors=%d\n",
			ph.Name, ph.Status, ph.Pushed, ph.Pulled, len(ph.Errors))
	}
	for _, err := range res.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", err)
	}
}
