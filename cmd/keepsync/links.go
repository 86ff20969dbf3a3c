package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keepstack/keepsync/internal/store"
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Inspect and repair the local/remote link table",
}

var linksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List link records for the configured owner",
	Run: func(cmd *cobra.Command, args []string) {
		quiet = true
		cfg := loadConfig()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		recs, err := a.engine.Links().ListByOwner(ctx, cfg.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range recs {
			status := "ok"
			if r.RetryCount > 0 {
				status = fmt.Sprintf("retrying (%d): %s", r.RetryCount, r.LastError)
			}
			fmt.Printf("%-8s %-40s -> %s [%s] %s\n",
				r.ResourceType, r.LocalID, r.RemoteID, r.ScopeID, status)
		}
		fmt.Printf("%d links\n", len(recs))
	},
}

var linksDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Repair link-table drift",
	Long: `Check the link table against the entity table and fix what it can:

  - rewrite entity remote hints that disagree with their link row
  - drop links whose local entity no longer exists
  - report links stuck in retry`,
	Run: func(cmd *cobra.Command, args []string) {
		quiet = true
		cfg := loadConfig()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := runLinksDoctor(ctx, a); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runLinksDoctor(ctx context.Context, a *app) error {
	ls := a.engine.Links()

	fixed, err := ls.ReconcileRemoteHints(ctx, a.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("reconcile remote hints: %w", err)
	}
	fmt.Printf("remote hints rewritten: %d\n", fixed)

	recs, err := ls.ListByOwner(ctx, a.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}

	var orphans, stuck int
	for _, r := range recs {
		if _, err := a.store.Get(ctx, r.LocalID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load entity %s: %w", r.LocalID, err)
			}
			if err := ls.Delete(ctx, r.ID); err != nil {
				return fmt.Errorf("drop orphan link %s: %w", r.ID, err)
			}
			orphans++
			continue
		}
		if r.RetryCount > 0 {
			stuck++
			fmt.Printf("stuck: %s %s -> %s (%d retries, last error: %s)\n",
				r.ResourceType, r.LocalID, r.RemoteID, r.RetryCount, r.LastError)
		}
	}
	fmt.Printf("orphan links dropped: %d\n", orphans)
	if stuck == 0 {
		fmt.Println("no links stuck in retry")
	}
	return nil
}

func init() {
	linksCmd.AddCommand(linksListCmd)
	linksCmd.AddCommand(linksDoctorCmd)
}
