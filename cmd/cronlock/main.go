package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/cronlock/internal/config"
	"git.home.luguber.info/inful/cronlock/internal/daemon"
	"git.home.luguber.info/inful/cronlock/schedule"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"cronlock.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		NoWatch bool `help:"Disable configuration file watching"`
	} `cmd:"" help:"Run the scheduler daemon"`

	Validate struct{} `cmd:"" help:"Validate the configuration file and exit"`

	Next struct {
		Job   string `arg:"" optional:"" help:"Limit output to one job"`
		Count int    `short:"n" default:"3" help:"Number of upcoming firings to show"`
	} `cmd:"" help:"Show the upcoming firing instants for configured jobs"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch ctx.Command() {
	case "run":
		if err := runDaemon(cfg, logger); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "validate":
		fmt.Printf("%s: OK (%d jobs)\n", CLI.Config, len(cfg.Jobs))
	case "next", "next <job>":
		if err := runNext(cfg); err != nil {
			slog.Error("Next failed", "error", err)
			os.Exit(1)
		}
	}
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := CLI.Config
	if CLI.Run.NoWatch {
		configPath = ""
	}

	d := daemon.New(cfg, configPath, logger)
	if err := d.Start(ctx); err != nil {
		return err
	}
	slog.Info("Scheduler running, waiting for shutdown signal")
	<-ctx.Done()

	slog.Info("Shutdown signal received, draining firings")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return d.Stop(stopCtx)
}

func runNext(cfg *config.Config) error {
	count := CLI.Next.Count
	if count < 1 {
		count = 1
	}

	now := time.Now()
	found := false
	for _, jc := range cfg.Jobs {
		if CLI.Next.Job != "" && jc.Name != CLI.Next.Job {
			continue
		}
		found = true

		sched, err := jc.Schedule()
		if err != nil {
			return fmt.Errorf("job %q: %w", jc.Name, err)
		}
		fmt.Printf("%s:\n", jc.Name)
		from := now
		for i := 0; i < count; i++ {
			next, err := schedule.Next(sched, from, cfg.UTC)
			if err != nil {
				fmt.Printf("  (no upcoming firing: %v)\n", err)
				break
			}
			fmt.Printf("  %s\n", next.Format(time.RFC3339))
			from = next
		}
	}
	if CLI.Next.Job != "" && !found {
		return fmt.Errorf("job %q not found in configuration", CLI.Next.Job)
	}
	return nil
}
