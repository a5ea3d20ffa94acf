package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/session-observatory/daemon/internal/config"
	"github.com/session-observatory/daemon/internal/dashboard"
	"github.com/session-observatory/daemon/internal/uplink"
)

const stopWait = 5 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printStatus(cmd.Context(), baseURL(cfg))
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return stopDaemon(false)
		},
	}
}

func newRestartCmd() *cobra.Command {
	var port int
	var demoMode bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the running daemon and start a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := stopDaemon(true); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return runDaemon(cmd.Context(), cfg, demoMode)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override the configured listen port")
	cmd.Flags().BoolVar(&demoMode, "demo", false, "synthesize demo sessions instead of watching real agents")
	return cmd
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the dashboard URL in a browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			url := baseURL(cfg) + "/"
			fmt.Fprintf(os.Stdout, "Opening %s\n", url)
			return openBrowser(url)
		},
	}
}

func baseURL(cfg *config.Config) string {
	return "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func printStatus(ctx context.Context, base string) error {
	var snap dashboard.Snapshot
	if err := getJSON(ctx, base+"/api/state", &snap); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", base, err)
	}

	color.New(color.FgGreen).Fprintf(os.Stdout, "observatoryd is running at %s\n", base)
	fmt.Fprintf(os.Stdout, "  agents:      %d active / %d total\n", snap.Summary.ActiveAgents, snap.Summary.TotalAgents)
	fmt.Fprintf(os.Stdout, "  workstreams: %d (%d at risk)\n", snap.Summary.Workstreams, snap.Summary.WorkstreamsAtRisk)
	fmt.Fprintf(os.Stdout, "  collisions:  %d (%d critical)\n", snap.Summary.Collisions, snap.Summary.CriticalCollisions)
	fmt.Fprintf(os.Stdout, "  active cost: $%.2f\n", snap.Summary.TotalCostUSD)
	for _, src := range snap.Summary.DegradedSources {
		color.New(color.FgYellow).Fprintf(os.Stdout, "  degraded:    %s\n", src)
	}

	if len(snap.Agents) > 0 {
		fmt.Fprintln(os.Stdout, "agents:")
		for _, a := range snap.Agents {
			fmt.Fprintf(os.Stdout, "  %-12s ", a.Label)
			statusColor(a.Status).Fprintf(os.Stdout, "%-9s", string(a.Status))
			fmt.Fprintf(os.Stdout, " %-8s %s tokens  $%.2f  %s\n",
				string(a.Family),
				humanize.Comma(int64(a.Stats.Usage.TotalContext())),
				a.Stats.CostUSD,
				humanize.Time(a.LastActivity))
		}
	}

	var ups []uplink.TargetStatus
	if err := getJSON(ctx, base+"/api/uplinks", &ups); err == nil && len(ups) > 0 {
		fmt.Fprintln(os.Stdout, "uplinks:")
		for _, u := range ups {
			fmt.Fprintf(os.Stdout, "  %-20s ", u.PylonName+" ("+u.PylonID+")")
			stateColor(u.State).Fprintf(os.Stdout, "%s", string(u.State))
			if u.LastError != "" {
				fmt.Fprintf(os.Stdout, "  %s", u.LastError)
			}
			fmt.Fprintln(os.Stdout)
		}
	}
	return nil
}

func statusColor(s dashboard.Status) *color.Color {
	switch s {
	case dashboard.StatusConflict:
		return color.New(color.FgRed)
	case dashboard.StatusWarning:
		return color.New(color.FgYellow)
	case dashboard.StatusBusy:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

func stateColor(s uplink.State) *color.Color {
	switch s {
	case uplink.StateConnected:
		return color.New(color.FgGreen)
	case uplink.StateConnecting:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// stopDaemon signals the pidfile owner and waits for it to exit. With
// tolerateDown, a daemon that is not running is not an error.
func stopDaemon(tolerateDown bool) error {
	pidPath := filepath.Join(config.StateDir(), pidFileName)
	pid, err := readPidFile(pidPath)
	if err != nil {
		if tolerateDown {
			return nil
		}
		return fmt.Errorf("daemon not running (no pidfile at %s)", pidPath)
	}
	if !processAlive(pid) {
		os.Remove(pidPath)
		if tolerateDown {
			return nil
		}
		fmt.Fprintf(os.Stdout, "daemon not running (removed stale pidfile)\n")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Fprintf(os.Stdout, "stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not exit within %v", pid, stopWait)
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
