package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keepstack/keepsync/internal/cursors"
)

var statusFormat string

// statusReport is the machine-readable shape behind --format yaml.
type statusReport struct {
	OwnerID      string         `yaml:"owner_id"`
	Database     string         `yaml:"database"`
	SyncDisabled bool           `yaml:"sync_disabled"`
	Dirty        int            `yaml:"dirty_entities"`
	Links        int            `yaml:"links"`
	Queued       int            `yaml:"queued_mutations"`
	Tombstones   int            `yaml:"tombstones"`
	Cursors      []cursorStatus `yaml:"cursors"`

	LastCycle *lastCycleStatus `yaml:"last_cycle,omitempty"`
}

type lastCycleStatus struct {
	StartedAt time.Time     `yaml:"started_at"`
	Duration  time.Duration `yaml:"duration"`
	Success   bool          `yaml:"success"`
	Aborted   bool          `yaml:"aborted"`
	Pushed    int           `yaml:"pushed"`
	Pulled    int           `yaml:"pulled"`
	Errors    int           `yaml:"errors"`
	Phases    []string      `yaml:"phases,omitempty"`
}

type cursorStatus struct {
	ResourceType string    `yaml:"resource_type"`
	ScopeID      string    `yaml:"scope_id"`
	HasToken     bool      `yaml:"has_sync_token"`
	LastPulledAt time.Time `yaml:"last_pulled_at"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state: dirty counts, links, cursors, queue depth",
	Run: func(cmd *cobra.Command, args []string) {
		quiet = true // keep component logs off the status output
		cfg := loadConfig()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		rep, err := buildReport(ctx, a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if statusFormat == "yaml" {
			out, err := yaml.Marshal(rep)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Print(string(out))
			return
		}
		printReport(rep)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "output format: table or yaml")
}

func buildReport(ctx context.Context, a *app) (*statusReport, error) {
	rep := &statusReport{
		OwnerID:      a.cfg.OwnerID,
		Database:     a.cfg.Database.Path,
		SyncDisabled: a.engine.Guard().Disabled(),
		Tombstones:   a.tombs.Len(),
	}

	// The kill-switch file counts as disabled even before a daemon is up.
	if p := a.cfg.Sync.KillSwitchPath; p != "" {
		if _, err := os.Stat(p); err == nil {
			rep.SyncDisabled = true
		}
	}

	var err error
	if rep.Dirty, err = a.store.CountDirty(ctx, a.cfg.OwnerID); err != nil {
		return nil, fmt.Errorf("count dirty: %w", err)
	}
	if rep.Links, err = a.engine.Links().Count(ctx, a.cfg.OwnerID); err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	if rep.Queued, err = a.engine.Queue().Len(ctx); err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}

	curs, err := cursors.NewStore(a.store.RawDB()).List(ctx, a.cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	for _, c := range curs {
		rep.Cursors = append(rep.Cursors, cursorStatus{
			ResourceType: c.ResourceType,
			ScopeID:      c.ScopeID,
			HasToken:     c.SyncToken != "",
			LastPulledAt: c.LastPulledAt,
		})
	}

	last, err := a.engine.LastCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last cycle: %w", err)
	}
	if last != nil {
		lc := &lastCycleStatus{
			StartedAt: last.StartedAt,
			Duration:  last.Duration,
			Success:   last.Success,
			Aborted:   last.Aborted,
			Pushed:    last.TotalPushed,
			Pulled:    last.TotalPulled,
			Errors:    len(last.Errors),
		}
		for _, p := range last.Phases {
			lc.Phases = append(lc.Phases, fmt.Sprintf("%s: %s", p.Name, p.Status))
		}
		rep.LastCycle = lc
	}
	return rep, nil
}

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statusLabelStyle  = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("8"))
	statusWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func printReport(rep *statusReport) {
	fmt.Println(statusHeaderStyle.Render("keepsync status"))
	row := func(label, value string) {
		fmt.Printf("%s %s\n", statusLabelStyle.Render(label), value)
	}

	row("owner", rep.OwnerID)
	row("database", rep.Database)
	if rep.SyncDisabled {
		row("sync", statusWarnStyle.Render("disabled"))
	} else {
		row("sync", "enabled")
	}
	row("dirty entities", strconv.Itoa(rep.Dirty))
	row("links", strconv.Itoa(rep.Links))
	row("queued mutations", strconv.Itoa(rep.Queued))
	row("tombstones", strconv.Itoa(rep.Tombstones))

	if len(rep.Cursors) > 0 {
		fmt.Println(statusHeaderStyle.Render("cursors"))
		for _, c := range rep.Cursors {
			token := "window"
			if c.HasToken {
				token = "token"
			}
			fmt.Printf("%s %s (%s, last pull %s)\n",
				statusLabelStyle.Render(c.ResourceType),
				c.ScopeID, token, c.LastPulledAt.Format(time.RFC3339))
		}
	}

	if lc := rep.LastCycle; lc != nil {
		fmt.Println(statusHeaderStyle.Render("last cycle"))
		row("started", lc.StartedAt.Format(time.RFC3339))
		row("duration", lc.Duration.Round(time.Millisecond).String())
		switch {
		case lc.Aborted:
			row("outcome", statusWarnStyle.Render("aborted"))
		case !lc.Success:
			row("outcome", statusWarnStyle.Render("failed"))
		default:
			row("outcome", "ok")
		}
		row("pushed / pulled", fmt.Sprintf("%d / %d", lc.Pushed, lc.Pulled))
		if lc.Errors > 0 {
			row("errors", statusWarnStyle.Render(strconv.Itoa(lc.Errors)))
		}
		if len(lc.Phases) > 0 {
			row("phases", strings.Join(lc.Phases, ", "))
		}
	}
}
