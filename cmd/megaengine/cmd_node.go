package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/megaengine/internal/config"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/netcore"
	"github.com/shurlinet/megaengine/internal/watchdog"
)

func runNode(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: node requires a subcommand (start, id)")
		osExit(1)
		return
	}
	switch args[0] {
	case "start":
		if err := doNodeStart(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	case "id":
		if err := doNodeID(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown node subcommand: %s\n", args[0])
		osExit(1)
	}
}

// loadNodeConfig resolves --config, loads and validates it, and rewrites its
// relative paths against the config file's own directory.
func loadNodeConfig(args []string, fsName string) (*config.Config, []string, error) {
	fs := flag.NewFlagSet(fsName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return nil, nil, err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, fs.Args(), nil
}

func doNodeID(args []string, stdout io.Writer) error {
	cfg, _, err := loadNodeConfig(args, "node id")
	if err != nil {
		return err
	}
	store := identity.NewFileStore(cfg.Identity.KeyFile)
	priv, err := store.LoadKeypair(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	kp, err := identity.FromPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to parse identity: %w", err)
	}
	fmt.Fprintln(stdout, kp.NodeID())
	return nil
}

// doNodeStart builds a netcore.Node from the resolved config and runs it
// until SIGINT/SIGTERM, mirroring the signal-driven shutdown shape a
// long-running network daemon uses elsewhere in this codebase.
func doNodeStart(args []string, stdout io.Writer) error {
	cfg, _, err := loadNodeConfig(args, "node start")
	if err != nil {
		return err
	}

	repos, refs, nodes, chats, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	stores := netcore.Stores{
		Identity: identity.NewFileStore(cfg.Identity.KeyFile),
		Nodes:    nodes,
		Repos:    repos,
		Refs:     refs,
		Chats:    chats,
		Git:      newExecGitTool(),
	}

	n, err := netcore.New(cfg, stores, version, runtime.Version())
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	fmt.Fprintf(stdout, "megaengine node %s listening on %s\n", n.Identity().NodeID(), cfg.Network.ListenAddress)
	if err := watchdog.Ready(); err != nil {
		slog.Warn("megaengine: sd_notify READY failed", "error", err)
	}

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go watchdog.Run(wdCtx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{Name: "transport-listener", Check: func() error {
			if n.Transport.LocalAddr() == nil {
				return fmt.Errorf("transport has no local address")
			}
			return nil
		}},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Wait() }()

	select {
	case sig := <-sigCh:
		slog.Info("megaengine: received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("megaengine: node exited with error", "error", err)
		}
	}

	wdCancel()
	_ = watchdog.Stopping()
	if err := n.Close(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
