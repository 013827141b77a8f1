package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/logging"
	"github.com/matheus3301/mlschat/internal/profile"
	"github.com/matheus3301/mlschat/internal/tui"
)

const (
	probeTimeout = 2 * time.Second
	readyTimeout = 10 * time.Second
	readyPoll    = 300 * time.Millisecond
)

var errNoDaemon = errors.New("daemon not running")

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	socketFlag := flag.String("socket", "", "daemon socket path (default: per profile)")
	noStart := flag.Bool("no-start", false, "do not start a daemon when none is running")
	flag.Parse()

	if err := run(*profileFlag, *socketFlag, !*noStart); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(profileName, socketPath string, autoStart bool) error {
	name := profile.Resolve(profileName)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	if socketPath == "" {
		socketPath = profile.SocketPath(name)
	}

	if err := ensureDaemon(name, socketPath, autoStart); err != nil {
		return err
	}

	logger, err := logging.NewFileOnly(filepath.Join(profile.LogDir(name), "tui.log"), name)
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	c, err := api.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = c.Close() }()

	logger.Info("tui started", zap.String("socket", socketPath))
	if err := tui.NewApp(c, name).Run(); err != nil {
		logger.Error("tui exited", zap.Error(err))
		return err
	}
	logger.Info("tui stopped")
	return nil
}

// ensureDaemon makes sure a daemon answers on socketPath, starting one for
// the profile when allowed.
func ensureDaemon(name, socketPath string, autoStart bool) error {
	if probeDaemon(socketPath) {
		return nil
	}
	if !autoStart {
		return fmt.Errorf("%w for profile %q", errNoDaemon, name)
	}
	fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
	if err := startDaemon(name, socketPath); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	return waitForDaemon(ctx, socketPath)
}

// probeDaemon reports whether a daemon answers a status call. A bare socket
// connect is not enough: the socket exists before the services are ready.
func probeDaemon(socketPath string) bool {
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err = c.GetStatus(ctx)
	return err == nil
}

// startDaemon launches mlschatd detached from this terminal. Its output goes
// to the profile log.
func startDaemon(name, socketPath string) error {
	bin := "mlschatd"
	if self, err := os.Executable(); err == nil {
		if sibling := filepath.Join(filepath.Dir(self), bin); fileExists(sibling) {
			bin = sibling
		}
	}
	cmd := exec.Command(bin, "-profile", name, "-socket", socketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func waitForDaemon(ctx context.Context, socketPath string) error {
	t := time.NewTicker(readyPoll)
	defer t.Stop()
	for {
		if probeDaemon(socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("daemon did not become ready")
		case <-t.C:
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
