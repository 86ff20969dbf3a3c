package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keepstack/keepsync/internal/config"
)

var (
	configPath string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "keepsync",
	Short: "Two-way sync between keepstack and a calendar/task provider",
	Long: `keepsync keeps a local keepstack database and a remote calendar/task
provider in agreement. Each cycle pushes dirty local entities first, then
pulls remote changes, resolving conflicts by last writer wins.

State lives in a single SQLite database (local file or libsql URL):
entities, the local/remote link table, per-scope sync cursors, deletion
tombstones, and the offline mutation queue.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.keepsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(linksCmd)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
