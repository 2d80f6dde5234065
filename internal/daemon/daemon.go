// Package daemon assembles the ClawFounder control plane: state directory,
// secrets file, account registry, connector catalog, login manager, stream
// bridges, knowledge base, and the HTTP server that fronts them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/catalog"
	"github.com/clawfounder/clawfounder/internal/config"
	"github.com/clawfounder/clawfounder/internal/config/envfile"
	"github.com/clawfounder/clawfounder/internal/eventbus"
	"github.com/clawfounder/clawfounder/internal/knowledge"
	"github.com/clawfounder/clawfounder/internal/login"
	"github.com/clawfounder/clawfounder/internal/server"
	"github.com/clawfounder/clawfounder/internal/stream"
	"github.com/clawfounder/clawfounder/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Daemon. Zero values fall back to the defaults the
// clawd command ships with.
type Options struct {
	Home          string // state directory, default ~/.clawfounder
	Listen        string // HTTP listen address
	EnvFile       string // secrets file, default <home>/.env
	ConnectorsDir string // connector catalog root
	ScriptsDir    string // agent scripts directory
	Python        string // python interpreter for agent workers

	// Launcher spawns worker processes; tests substitute a fake.
	Launcher worker.Launcher
}

// Daemon is the assembled control plane.
type Daemon struct {
	opts      Options
	paths     config.Paths
	env       *envfile.Store
	registry  *accounts.Store
	bus       *eventbus.Bus
	knowledge *knowledge.Store
	logins    *login.Manager
	httpSrv   *http.Server

	cancel context.CancelFunc
}

// New wires the daemon's components without starting anything.
func New(opts Options) (*Daemon, error) {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:3001"
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.ScriptsDir == "" {
		opts.ScriptsDir = "dashboard"
	}
	if opts.ConnectorsDir == "" {
		opts.ConnectorsDir = "connectors"
	}
	if opts.Launcher == nil {
		opts.Launcher = worker.ExecLauncher{}
	}

	paths := config.GetPaths()
	if opts.Home != "" {
		paths = config.PathsIn(config.ExpandPath(opts.Home))
	}
	if err := config.EnsureDirs(paths); err != nil {
		return nil, fmt.Errorf("daemon: prepare state directory: %w", err)
	}
	if opts.EnvFile == "" {
		opts.EnvFile = filepath.Join(paths.Home, ".env")
	}

	env := envfile.New(config.ExpandPath(opts.EnvFile))
	registry := accounts.NewStore(paths.Registry, paths.Home, env)
	if err := registry.EnsureSeeded(); err != nil {
		log.Printf("[Daemon] legacy seeding failed: %v", err)
	}

	bus := eventbus.New()
	kstore, err := knowledge.Open(paths.KnowledgeDB)
	if err != nil {
		return nil, fmt.Errorf("daemon: open knowledge base: %w", err)
	}

	flows := login.NewFlows(opts.Python, opts.ScriptsDir, paths.Home)
	logins := login.NewManager(opts.Launcher, registry, flows)

	script := func(name string) worker.Spec {
		return worker.Spec{
			Command: opts.Python,
			Args:    []string{filepath.Join(opts.ScriptsDir, name)},
			Env:     []string{"CLAWFOUNDER_HOME=" + paths.Home},
		}
	}
	srv := server.New(server.Options{
		Config:    env,
		Registry:  registry,
		Catalog:   catalog.New(opts.ConnectorsDir),
		Logins:    logins,
		Knowledge: kstore,
		SSE:       &stream.SSEBridge{Launcher: opts.Launcher, Bus: bus},
		Voice:     &stream.VoiceBridge{Launcher: opts.Launcher, Bus: bus},
		Workers: server.WorkerCommands{
			Chat:     script("chat_agent.py"),
			Briefing: script("briefing_agent.py"),
			Voice:    script("voice_agent.py"),
		},
	})

	return &Daemon{
		opts:      opts,
		paths:     paths,
		env:       env,
		registry:  registry,
		bus:       bus,
		knowledge: kstore,
		logins:    logins,
		httpSrv: &http.Server{
			Addr:    opts.Listen,
			Handler: srv.Routes(),
		},
	}, nil
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go knowledge.NewIndexer(d.knowledge).Run(ctx, d.bus)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Daemon] listening on http://%s", d.httpSrv.Addr)
		errCh <- d.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.knowledge.Close()
			return fmt.Errorf("daemon: http server: %w", err)
		}
	case <-ctx.Done():
		log.Printf("[Daemon] shutting down")
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.httpSrv.Shutdown(stopCtx); err != nil {
			log.Printf("[Daemon] http shutdown: %v", err)
		}
		stop()
	}

	if err := d.knowledge.Close(); err != nil {
		log.Printf("[Daemon] knowledge base close: %v", err)
	}
	return nil
}

// Shutdown signals Run to stop.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}
