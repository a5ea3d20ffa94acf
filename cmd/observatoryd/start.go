package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/session-observatory/daemon/internal/config"
	"github.com/session-observatory/daemon/internal/dashboard"
	"github.com/session-observatory/daemon/internal/demo"
	"github.com/session-observatory/daemon/internal/discover"
	"github.com/session-observatory/daemon/internal/fanout"
	"github.com/session-observatory/daemon/internal/feed"
	"github.com/session-observatory/daemon/internal/planhist"
	"github.com/session-observatory/daemon/internal/procwatch"
	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/uplink"
	"github.com/session-observatory/daemon/internal/vcs"
)

const (
	pidFileName      = "observatoryd.pid"
	labelsFileName   = "labels.json"
	operatorFileName = "operators.json"
	shutdownGrace    = 5 * time.Second
)

func newStartCmd() *cobra.Command {
	var port int
	var demoMode bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

// runDaemon wires the pipeline and serves until the context is cancelled.
// Failing to bind the listener is the one fatal error.
func runDaemon(ctx context.Context, cfg *config.Config, demoMode bool) error {
	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	pidPath := filepath.Join(stateDir, pidFileName)
	if err := writePidFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	selfRoots := rollout.DefaultRoots()
	if cfg.Roots.Claude != "" {
		selfRoots.Claude = cfg.Roots.Claude
	}
	if cfg.Roots.Codex != "" {
		selfRoots.Codex = cfg.Roots.Codex
	}

	inspector := procwatch.Inspector(procwatch.NewPSInspector(cfg.Tick.AdapterBudget))
	var demoGen *demo.Generator
	if demoMode {
		var err error
		demoGen, err = demo.New(filepath.Join(stateDir, "demo"))
		if err != nil {
			return fmt.Errorf("set up demo workspace: %w", err)
		}
		selfRoots = demoGen.Roots()
		inspector = demoGen.Inspector()
		log.Printf("[observatoryd] demo mode: synthesizing sessions under %s", filepath.Join(stateDir, "demo"))
	}

	cache := sessions.NewCache()
	feedLog := feed.NewLog()
	labels := dashboard.LoadLabelStore(filepath.Join(stateDir, labelsFileName))
	builder := dashboard.NewBuilder(cache, discover.New(inspector), vcs.NewGitTree(cfg.Tick.AdapterBudget), feedLog, labels)

	opLoader := config.NewOperatorLoader(filepath.Join(stateDir, operatorFileName))
	sources := func() []dashboard.OperatorSource {
		return dashboard.Sources(opLoader.Load(), selfRoots)
	}

	build := func(ctx context.Context) *dashboard.Snapshot {
		return builder.Build(ctx, sources())
	}
	ticker := fanout.NewTicker(build, cfg.Tick.Interval)

	hist := planhist.Open(planhist.DefaultPath(), func() []rollout.Info {
		var out []rollout.Info
		for _, src := range sources() {
			infos, err := rollout.List(src.Roots)
			if err != nil {
				continue
			}
			out = append(out, infos...)
		}
		return out
	})
	hist.SetParseBudget(cfg.History.ParseBudget)

	relays := config.NewRelayStore(stateDir)
	if err := relays.Seal(); err != nil {
		log.Printf("[observatoryd] re-encrypting relay config: %v", err)
	}

	var uplinks *uplink.Manager
	if targets := relays.Load(); len(targets) > 0 {
		uplinks = uplink.NewManager(targets)
		for _, c := range uplinks.Clients() {
			ticker.AddSink(c)
		}
		go uplinks.Run(ctx)
		log.Printf("[observatoryd] %d relay uplink(s) configured", len(targets))
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("[observatoryd] cannot bind %s: %v", addr, err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go ticker.Run(ctx)
	if demoGen != nil {
		go demoGen.Run(ctx)
	}

	srv := &http.Server{Handler: fanout.NewServer(ticker, cache, feedLog, hist, uplinks).Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[observatoryd] watching claude=%s codex=%s", selfRoots.Claude, selfRoots.Codex)
	log.Printf("[observatoryd] listening on http://%s", addr)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("[observatoryd] stopped")
	return nil
}

// writePidFile claims the pidfile, refusing when another live daemon
// holds it. A stale file from a dead process is overwritten.
func writePidFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && processAlive(pid) {
			return fmt.Errorf("already running (pid %d)", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
