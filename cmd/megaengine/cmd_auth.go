package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/megaengine/internal/config"
	"github.com/shurlinet/megaengine/internal/identity"
)

func runAuth(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: auth requires a subcommand (init)")
		osExit(1)
		return
	}
	switch args[0] {
	case "init":
		if err := doAuthInit(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown auth subcommand: %s\n", args[0])
		osExit(1)
	}
}

// doAuthInit generates a fresh node identity and writes a minimal config
// pointing at it, unless a config already exists at the target directory.
func doAuthInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("auth init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/megaengine)")
	dataDirFlag := fs.String("data-dir", "", "data directory (default: ~/.megaengine, or <dir>/data when --dir is set)")
	aliasFlag := fs.String("alias", "", "human-readable alias to advertise (default: hostname)")
	listenFlag := fs.String("listen", "127.0.0.1:7700", "transport listen address")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}

	configDir := *dirFlag
	usingDefaultDir := configDir == ""
	if usingDefaultDir {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	alias := *aliasFlag
	if alias == "" {
		if host, err := os.Hostname(); err == nil {
			alias = host
		} else {
			alias = "megaengine-node"
		}
	}

	dataDir := *dataDirFlag
	if dataDir == "" {
		if usingDefaultDir {
			d, err := config.DefaultDataDir()
			if err != nil {
				return fmt.Errorf("cannot determine data directory: %w", err)
			}
			dataDir = d
		} else {
			dataDir = filepath.Join(configDir, "data")
		}
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	keyFile := filepath.Join(configDir, "identity.key")
	fmt.Fprintln(stdout, "Generating identity...")
	kp, genErr := identity.Generate()
	if genErr != nil {
		return fmt.Errorf("failed to generate identity: %w", genErr)
	}
	store := identity.NewFileStore(keyFile)
	if err := store.SaveKeypair(context.Background(), kp.Private); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your NodeId: %s\n", kp.NodeID())
	fmt.Fprintln(stdout, "(Share this with peers who need to dial you)")
	fmt.Fprintln(stdout)

	cfg := config.Config{
		Version: config.CurrentConfigVersion,
		Alias:   alias,
		DataDir: dataDir,
		Identity: config.IdentityConfig{
			KeyFile: keyFile,
		},
		Network: config.NetworkConfig{
			ListenAddress: *listenFlag,
		},
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to:   %s\n", configFile)
	fmt.Fprintf(stdout, "Identity saved to:   %s\n", keyFile)
	fmt.Fprintf(stdout, "Data directory:      %s\n", dataDir)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintln(stdout, "  1. Run as a node:    megaengine node start")
	fmt.Fprintln(stdout, "  2. Track a repo:     megaengine repo add <path>")
	return nil
}
