package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// execGitTool implements storage.GitTool by shelling out to the system git
// binary, the same zero-binding exec.CommandContext pattern used elsewhere
// in this codebase for wrapping an external CLI tool. It is CLI-local glue,
// not a reusable module component: production deployments of the engines
// supply their own storage.GitTool.
type execGitTool struct {
	timeout time.Duration
}

func newExecGitTool() *execGitTool {
	return &execGitTool{timeout: 30 * time.Second}
}

func (g *execGitTool) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// PackBundle packs repoPath's full history into a single-file bundle at
// outPath, equivalent to the original protocol's `git bundle create`
// packing step ahead of chunked transfer.
func (g *execGitTool) PackBundle(ctx context.Context, repoPath, outPath string) error {
	_, err := g.run(ctx, repoPath, "bundle", "create", outPath, "--all")
	return err
}

// ExtractBundleRefs reads the ref -> commit mapping a bundle file advertises
// without unpacking it.
func (g *execGitTool) ExtractBundleRefs(ctx context.Context, bundlePath string) (map[string]string, error) {
	out, err := g.run(ctx, "", "bundle", "list-heads", bundlePath)
	if err != nil {
		return nil, err
	}
	return parseRefLines(out), nil
}

// ReadRepoRefs reads the ref -> commit mapping of an on-disk repository.
func (g *execGitTool) ReadRepoRefs(ctx context.Context, repoPath string) (map[string]string, error) {
	out, err := g.run(ctx, repoPath, "show-ref")
	if err != nil {
		// A freshly initialized repo with no commits yet has no refs;
		// `git show-ref` exits non-zero in that case rather than printing
		// nothing.
		return map[string]string{}, nil
	}
	return parseRefLines(out), nil
}

// CloneFromBundle clones a fresh working copy at repoPath from a bundle
// file, used the first time a locally-unknown repo's bundle finishes
// downloading.
func (g *execGitTool) CloneFromBundle(ctx context.Context, bundlePath, repoPath string) error {
	_, err := g.run(ctx, "", "clone", bundlePath, repoPath)
	return err
}

// PullFromBundle fetches a newer bundle into an existing working copy.
// refspec is optional; an empty string fetches every ref the bundle
// advertises.
func (g *execGitTool) PullFromBundle(ctx context.Context, repoPath, bundlePath, refspec string) error {
	args := []string{"fetch", bundlePath}
	if refspec != "" {
		args = append(args, refspec)
	} else {
		args = append(args, "*:refs/remotes/bundle/*")
	}
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// rootCommit returns the raw bytes of a repository's root commit hash, used
// to derive a stable RepoId for a newly tracked repository. A repository
// with multiple root commits (e.g. a history merged from an unrelated
// branch) uses the first one `git rev-list` reports.
func (g *execGitTool) rootCommit(ctx context.Context, repoPath string) ([]byte, error) {
	out, err := g.run(ctx, repoPath, "rev-list", "--max-parents=0", "HEAD")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("repository has no commits")
	}
	sha, err := hex.DecodeString(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("unexpected commit hash format: %w", err)
	}
	return sha, nil
}

// parseRefLines turns `git show-ref`/`git bundle list-heads` output
// ("<sha> <refname>" per line) into a ref-name -> commit-hash map.
func parseRefLines(out string) map[string]string {
	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs[fields[1]] = fields[0]
	}
	return refs
}
