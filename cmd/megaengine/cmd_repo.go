package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shurlinet/megaengine/internal/config"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/netcore"
	"github.com/shurlinet/megaengine/internal/repo"
	"github.com/shurlinet/megaengine/internal/wire"
)

func runRepo(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: repo requires a subcommand (add, list, pull, clone)")
		osExit(1)
		return
	}
	var err error
	switch args[0] {
	case "add":
		err = doRepoAdd(args[1:], os.Stdout)
	case "list":
		err = doRepoList(args[1:], os.Stdout)
	case "pull":
		err = doRepoPull(args[1:], os.Stdout)
	case "clone":
		err = doRepoClone(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown repo subcommand: %s\n", args[0])
		osExit(1)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doRepoAdd derives a RepoId for the repository at the given local path from
// its root commit and this node's public key, packs it into a bundle under
// the node's data directory, and saves a RepoDescriptor for gossip to
// advertise.
func doRepoAdd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("repo add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: megaengine repo add <path> [--config path] [--name name]") }
	nameFlag := fs.String("name", "", "display name for the repository (default: directory name)")
	cfg, rest, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		fs.Usage()
		return fmt.Errorf("repo add requires exactly one path argument")
	}
	localPath, err := filepath.Abs(rest[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if info, err := os.Stat(localPath); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", localPath)
	}

	store := identity.NewFileStore(cfg.Identity.KeyFile)
	priv, err := store.LoadKeypair(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load identity (run 'megaengine auth init' first): %w", err)
	}
	kp, err := identity.FromPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to parse identity: %w", err)
	}

	git := newExecGitTool()
	ctx := context.Background()
	rootSHA, err := git.rootCommit(ctx, localPath)
	if err != nil {
		return fmt.Errorf("failed to read root commit: %w", err)
	}
	repoID, err := repo.DeriveRepoID(rootSHA, kp.Public)
	if err != nil {
		return fmt.Errorf("failed to derive repo id: %w", err)
	}

	refs, err := git.ReadRepoRefs(ctx, localPath)
	if err != nil {
		return fmt.Errorf("failed to read refs: %w", err)
	}

	bundleDir := filepath.Join(cfg.DataDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o700); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	bundlePath := filepath.Join(bundleDir, repo.EncodeFilesystemFragment(string(repoID))+".bundle")
	if err := git.PackBundle(ctx, localPath, bundlePath); err != nil {
		return fmt.Errorf("failed to pack bundle: %w", err)
	}

	name := *nameFlag
	if name == "" {
		name = filepath.Base(localPath)
	}

	repos, refStore, _, _, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	desc := wire.RepoDescriptor{
		RepoID:           string(repoID),
		Refs:             refs,
		Creator:          string(kp.NodeID()),
		Name:             name,
		LatestCommitTime: time.Now().Unix(),
		LocalPath:        localPath,
		BundlePath:       bundlePath,
		IsExternal:       false,
	}
	if err := repos.Save(ctx, desc); err != nil {
		return fmt.Errorf("failed to save repo: %w", err)
	}
	if err := refStore.BatchSave(ctx, string(repoID), refs); err != nil {
		return fmt.Errorf("failed to save refs: %w", err)
	}

	fmt.Fprintf(stdout, "Tracking repository %q\n", name)
	fmt.Fprintf(stdout, "RepoId:  %s\n", repoID)
	fmt.Fprintf(stdout, "Bundle:  %s\n", bundlePath)
	return nil
}

func doRepoList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("repo list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonFlag := fs.Bool("json", false, "print as JSON")
	cfg, _, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}

	repos, _, _, _, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	list, err := repos.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list repos: %w", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No repositories tracked yet. Run 'megaengine repo add <path>'.")
		return nil
	}
	for _, r := range list {
		kind := "local"
		if r.IsExternal {
			kind = "external"
		}
		fmt.Fprintf(stdout, "%s  %-8s  %s\n", r.RepoID, kind, r.Name)
	}
	return nil
}

// doRepoPull dials the repo's creator, requests its bundle over the chunked
// transfer protocol, and waits for it to land before exiting — a one-shot
// use of the same transfer.Engine a running node uses continuously in its
// pull loop.
func doRepoPull(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("repo pull", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: megaengine repo pull <repo-id> [--config path]") }
	cfg, rest, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		fs.Usage()
		return fmt.Errorf("repo pull requires exactly one repo-id argument")
	}
	repoID := rest[0]

	repos, refStore, nodes, chats, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	desc, ok, err := repos.Load(context.Background(), repoID)
	if err != nil {
		return fmt.Errorf("failed to load repo: %w", err)
	}
	if !ok {
		return fmt.Errorf("unknown repo %s; it must first be learned via gossip (run 'megaengine node start')", repoID)
	}
	announce, ok, err := nodes.Load(context.Background(), desc.Creator)
	if err != nil {
		return fmt.Errorf("failed to load peer: %w", err)
	}
	if !ok || len(announce.ListenAddresses) == 0 {
		return fmt.Errorf("no known address for repo creator %s; run 'megaengine node start' to discover peers first", desc.Creator)
	}
	creatorID, err := identity.ParseNodeID(desc.Creator)
	if err != nil {
		return fmt.Errorf("invalid creator node id %q: %w", desc.Creator, err)
	}

	stores := netcore.Stores{
		Identity: identity.NewFileStore(cfg.Identity.KeyFile),
		Nodes:    nodes,
		Repos:    repos,
		Refs:     refStore,
		Chats:    chats,
		Git:      newExecGitTool(),
	}
	n, err := netcore.New(cfg, stores, version, "go")
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer n.Close()

	if err := n.Transport.Dial(ctx, creatorID, announce.ListenAddresses[0]); err != nil {
		return fmt.Errorf("failed to dial %s: %w", desc.Creator, err)
	}
	if err := n.Transfer.RequestBundle(ctx, creatorID, repoID); err != nil {
		return fmt.Errorf("failed to request bundle: %w", err)
	}

	fmt.Fprintf(stdout, "Requested bundle for %s from %s, waiting...\n", repoID, desc.Creator)
	deadline := time.Now().Add(45 * time.Second)
	for time.Now().Before(deadline) {
		if updated, ok, _ := repos.Load(ctx, repoID); ok && updated.BundlePath != "" {
			fmt.Fprintf(stdout, "Bundle received: %s\n", updated.BundlePath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for bundle")
}

// doRepoClone clones a previously fetched bundle into a fresh working
// directory.
func doRepoClone(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("repo clone", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: megaengine repo clone <repo-id> <dir> [--config path]") }
	cfg, rest, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		fs.Usage()
		return fmt.Errorf("repo clone requires a repo-id and a target directory")
	}
	repoID, targetDir := rest[0], rest[1]

	repos, _, _, _, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	desc, ok, err := repos.Load(context.Background(), repoID)
	if err != nil {
		return fmt.Errorf("failed to load repo: %w", err)
	}
	if !ok || desc.BundlePath == "" {
		return fmt.Errorf("no bundle available for %s yet; run 'megaengine repo pull %s' first", repoID, repoID)
	}

	git := newExecGitTool()
	if err := git.CloneFromBundle(context.Background(), desc.BundlePath, targetDir); err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}
	fmt.Fprintf(stdout, "Cloned %s into %s\n", repoID, targetDir)
	return nil
}

// parseRepoFlags parses the shared --config flag alongside subcommand flags
// already registered on fs, loads and validates the resulting config, and
// returns the remaining positional args.
func parseRepoFlags(fs *flag.FlagSet, args []string) (*config.Config, []string, error) {
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(reorderArgs(args, jsonBoolFlag)); err != nil {
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
