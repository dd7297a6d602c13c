package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// exitSentinel is the panic value osExit's test override raises, unwinding
// the stack the same way a real process exit would halt it.
type exitSentinel int

// captureExit overrides the package-level osExit so calls inside fn are
// intercepted instead of terminating the test binary.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r)
				}
			}
		}()
		fn()
	}()
	return code, exited
}

func TestPrintUsage(t *testing.T) {
	old := os.Stdout
	os.Stdout = os.NewFile(0, os.DevNull)
	defer func() { os.Stdout = old }()
	printUsage()
}

func TestPrintVersion(t *testing.T) {
	old := os.Stdout
	os.Stdout = os.NewFile(0, os.DevNull)
	defer func() { os.Stdout = old }()
	printVersion()
}

func TestMain_UnknownCommand(t *testing.T) {
	code, exited := captureExit(func() {
		runAuth([]string{"bogus"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunAuth_EmptyArgs(t *testing.T) {
	code, exited := captureExit(func() { runAuth(nil) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunNode_EmptyArgs(t *testing.T) {
	code, exited := captureExit(func() { runNode(nil) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunRepo_EmptyArgs(t *testing.T) {
	code, exited := captureExit(func() { runRepo(nil) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunChat_EmptyArgs(t *testing.T) {
	code, exited := captureExit(func() { runChat(nil) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunNode_UnknownSubcommand(t *testing.T) {
	code, exited := captureExit(func() { runNode([]string{"bogus"}) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunRepo_UnknownSubcommand(t *testing.T) {
	code, exited := captureExit(func() { runRepo([]string{"bogus"}) })
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunNode_Id_ConfigNotFound(t *testing.T) {
	code, exited := captureExit(func() {
		runNode([]string{"id", "--config", "/tmp/nonexistent-megaengine-test/config.yaml"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestDoAuthInit_WritesConfigAndIdentity(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	err := doAuthInit([]string{"--dir", dir, "--alias", "test-node"}, &buf)
	if err != nil {
		t.Fatalf("doAuthInit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("expected config.yaml to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.key")); err != nil {
		t.Errorf("expected identity.key to exist: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected doAuthInit to print something")
	}
}

func TestDoAuthInit_RefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := doAuthInit([]string{"--dir", dir}, &buf); err != nil {
		t.Fatalf("first doAuthInit: %v", err)
	}
	if err := doAuthInit([]string{"--dir", dir}, &buf); err == nil {
		t.Fatal("expected second doAuthInit to fail against an existing config")
	}
}

func TestDoRepoList_EmptyState(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	var buf bytes.Buffer
	if err := doRepoList([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doRepoList: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected a message about no tracked repositories")
	}
}

func TestDoChatList_EmptyState(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	var buf bytes.Buffer
	if err := doChatList([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doChatList: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected a message about no messages")
	}
}

func TestDoRepoPull_UnknownRepo(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	var buf bytes.Buffer
	err := doRepoPull([]string{"--config", cfgPath, "did:repo:znonexistent"}, &buf)
	if err == nil {
		t.Fatal("expected an error for an unknown repo id")
	}
}

// writeTestConfig writes a minimal valid config rooted at dir and returns its
// path, generating the identity file doAuthInit would have produced.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := doAuthInit([]string{"--dir", dir, "--listen", "127.0.0.1:0"}, &buf); err != nil {
		t.Fatalf("writeTestConfig: doAuthInit: %v", err)
	}
	return filepath.Join(dir, "config.yaml")
}
