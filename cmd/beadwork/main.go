package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/beadwork/internal/config"
	"github.com/aristath/beadwork/internal/tui"
)

const usage = `usage: beadwork [command] [flags]

commands:
  run      start the scheduler with the dashboard (default)
  add      add a task
  answer   answer a blocked task's question
  status   print queue counts and tasks

Set BEADWORK_HEADLESS=1 to run without the dashboard.`

func main() {
	if err := dispatch(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return runCmd(ctx, args)
	case "add":
		return addCmd(ctx, args, out)
	case "answer":
		return answerCmd(ctx, args, out)
	case "status":
		return statusCmd(ctx, args, out)
	case "help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// loadConfig reads path when given, otherwise the conventional locations.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load("", path)
	}
	return config.LoadDefault()
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: ~/.beadwork and .beadwork)")
	logPath := fs.String("log", ".beadwork/beadwork.log", "log file used while the dashboard is shown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	headless := os.Getenv("BEADWORK_HEADLESS") == "1"
	logger := log.Default()
	if !headless {
		// The dashboard owns the terminal.
		f, err := openLog(*logPath)
		if err != nil {
			return err
		}
		defer f.Close()
		logger = log.New(f, "", log.LstdFlags)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if headless {
		err = a.scheduler.Run(ctx)
		killAll(a)
		return err
	}
	return runWithDashboard(ctx, stop, a)
}

func runWithDashboard(ctx context.Context, stop context.CancelFunc, a *app) error {
	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	schedDone := make(chan error, 1)
	go func() { schedDone <- a.scheduler.Run(schedCtx) }()

	model := tui.New(a.bus, controls{sched: a.scheduler, queue: a.queue})
	defer model.Close()
	p := tea.NewProgram(model, tea.WithAltScreen())

	tuiDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		tuiDone <- err
	}()

	var tuiErr error
	select {
	case tuiErr = <-tuiDone:
		// User quit the dashboard.
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C forces exit.
		stop()
		a.logger.Println("[beadwork] shutdown signal received, cleaning up...")
		p.Quit()
		select {
		case tuiErr = <-tuiDone:
		case <-time.After(5 * time.Second):
			a.logger.Println("WARNING: [beadwork] dashboard did not exit in time")
		}
	case err := <-schedDone:
		p.Quit()
		<-tuiDone
		killAll(a)
		return err
	}

	cancelSched()
	schedErr := <-schedDone
	killAll(a)
	a.logger.Println("[beadwork] shutdown complete")
	return errors.Join(tuiErr, schedErr)
}

func killAll(a *app) {
	if err := a.procMgr.KillAll(); err != nil {
		a.logger.Printf("ERROR: [beadwork] killing subprocesses: %v", err)
	}
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
