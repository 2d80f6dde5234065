package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawfounder/clawfounder/internal/config"
	"github.com/clawfounder/clawfounder/internal/daemon"
	clawversion "github.com/clawfounder/clawfounder/internal/version"
)

var opts daemon.Options

func main() {
	rootCmd := &cobra.Command{
		Use:           "clawd",
		Short:         "ClawFounder daemon - connector accounts, delegated logins, and agent streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = clawversion.FormatVersion(clawversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.Flags()
	flags.StringVar(&opts.Listen, "listen", "127.0.0.1:3001", "HTTP listen address")
	flags.StringVar(&opts.Home, "home", "", "state directory (default ~/.clawfounder)")
	flags.StringVar(&opts.EnvFile, "env-file", "", "secrets file (default <home>/.env)")
	flags.StringVar(&opts.ConnectorsDir, "connectors-dir", "connectors", "connector catalog root")
	flags.StringVar(&opts.ScriptsDir, "scripts-dir", "dashboard", "agent scripts directory")
	flags.StringVar(&opts.Python, "python", "python3", "python interpreter for agent workers")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	d, err := daemon.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %s, shutting down...", sig)
		cancel()
	}()

	log.Printf("ClawFounder daemon started (PID: %d)", os.Getpid())
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	home := config.GetHome()
	if opts.Home != "" {
		home = config.ExpandPath(opts.Home)
	}
	logsDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== ClawFounder Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
