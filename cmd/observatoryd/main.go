// Command observatoryd runs the session observatory: a local daemon that
// watches coding-agent rollouts and serves the derived state to local
// subscribers and configured relay uplinks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/session-observatory/daemon/internal/config"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	rootCmd := &cobra.Command{
		Use:           "observatoryd",
		Short:         "Session observatory daemon",
		Long:          "observatoryd watches AI coding agent sessions on this machine and serves\na live view of turns, plans, costs, collisions, and risk.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := filepath.Join(config.StateDir(), "config.yaml")
	rootCmd.PersistentFlags().String("config", defaultConfig, "path to config file")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newRestartCmd())
	rootCmd.AddCommand(newOpenCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

// loadConfig resolves the --config flag and loads the daemon config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
