package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keepstack/keepsync/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration",
	Long: `Walk through the settings keepsync needs and write them to
~/.keepsync/config.yaml. Existing values are offered as defaults.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			// Start from scratch when the existing file is unreadable.
			cfg = &config.Config{}
		}

		if err := runSetupForm(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultDir(), "config.yaml")
		}
		if err := writeConfig(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

func runSetupForm(cfg *config.Config) error {
	realtime := cfg.Realtime.Enabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Owner ID").
				Description("The keepstack user this database belongs to").
				Value(&cfg.OwnerID).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("owner id is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Database path").
				Description("Local SQLite file or libsql:// URL").
				Value(&cfg.Database.Path),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Provider base URL").
				Value(&cfg.Provider.BaseURL),
			huh.NewInput().
				Title("Calendar ID").
				Value(&cfg.Provider.CalendarID),
			huh.NewInput().
				Title("Task list ID").
				Value(&cfg.Provider.TaskListID),
			huh.NewInput().
				Title("Provider access token").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Provider.AccessToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Backend base URL").
				Value(&cfg.Backend.BaseURL),
			huh.NewSelect[string]().
				Title("Conflict tie policy").
				Description("Applied when local and remote timestamps are exactly equal").
				Options(
					huh.NewOption("No change (safest)", "no-change"),
					huh.NewOption("Prefer remote", "prefer-remote"),
					huh.NewOption("Prefer local", "prefer-local"),
				).
				Value(&cfg.Sync.TiePolicy),
			huh.NewConfirm().
				Title("Enable realtime subscription?").
				Value(&realtime),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	cfg.Realtime.Enabled = realtime
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}
