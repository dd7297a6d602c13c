package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o megaengine ./cmd/megaengine
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// osExit is a package-level indirection over os.Exit so tests can intercept
// process termination.
var osExit = os.Exit

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "auth":
		runAuth(os.Args[2:])
	case "node":
		runNode(os.Args[2:])
	case "repo":
		runRepo(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("megaengine %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: megaengine <command> [options]")
	fmt.Println()
	fmt.Println("Identity:")
	fmt.Println("  auth init [--dir path]                   Generate and persist this node's identity")
	fmt.Println()
	fmt.Println("Node:")
	fmt.Println("  node start [--config path]                Run the node until interrupted")
	fmt.Println("  node id    [--config path]                Print this node's NodeId")
	fmt.Println()
	fmt.Println("Repositories:")
	fmt.Println("  repo add   <path> [--config path]         Track a local repository")
	fmt.Println("  repo list  [--config path] [--json]       List known repositories")
	fmt.Println("  repo pull  <repo-id> [--config path]      Request a bundle for an external repo")
	fmt.Println("  repo clone <repo-id> <dir> [--config path] Clone a fetched bundle into dir")
	fmt.Println()
	fmt.Println("Messaging:")
	fmt.Println("  chat send  <node-id> <message> [--config path]  Queue an encrypted message")
	fmt.Println("  chat list  [--config path] [--json]              List chat history")
	fmt.Println()
	fmt.Println("  version                                   Show version information")
	fmt.Println()
	fmt.Println("All commands except auth init support --config <path> to specify a config file.")
	fmt.Println("Without --config, megaengine searches: ./megaengine.yaml, ~/.config/megaengine/config.yaml, /etc/megaengine/config.yaml")
	fmt.Println()
	fmt.Println("Get started:  megaengine auth init")
}
