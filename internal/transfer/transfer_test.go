package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/storage/memory"
	"github.com/shurlinet/megaengine/internal/transport"
	"github.com/shurlinet/megaengine/internal/wire"
)

type fakeGitTool struct{}

func (fakeGitTool) PackBundle(context.Context, string, string) error { return nil }
func (fakeGitTool) ExtractBundleRefs(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (fakeGitTool) ReadRepoRefs(context.Context, string) (map[string]string, error) { return nil, nil }
func (fakeGitTool) CloneFromBundle(context.Context, string, string) error           { return nil }
func (fakeGitTool) PullFromBundle(context.Context, string, string, string) error     { return nil }

type node struct {
	tr     *transport.Transport
	kp     *identity.KeyPair
	engine *Engine
	repos  storage.RepoStore
}

func newNode(t *testing.T, chunkSize int, compress bool) *node {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	tr, err := transport.New(transport.Config{ListenAddress: "127.0.0.1:0"}, kp, nil)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("transport.Start: %v", err)
	}

	repos := memory.NewRepoStore()
	m := metrics.New("test", "go-test")
	engine, err := New(Config{
		DataDir:      t.TempDir(),
		ChunkSize:    chunkSize,
		PullInterval: time.Hour,
		Compress:     compress,
	}, tr, kp, repos, fakeGitTool{}, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine.Start(ctx)

	t.Cleanup(func() {
		engine.Close()
		cancel()
		tr.Close()
	})

	return &node{tr: tr, kp: kp, engine: engine, repos: repos}
}

func connect(t *testing.T, a, b *node) {
	t.Helper()
	if err := a.tr.Dial(context.Background(), b.kp.NodeID(), b.tr.LocalAddr().String()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.tr.IsConnected(b.kp.NodeID()) && b.tr.IsConnected(a.kp.NodeID()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("nodes never connected")
}

func waitForBundle(t *testing.T, repos storage.RepoStore, repoID string, deadline time.Duration) storage.RepoStore {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if desc, ok, _ := repos.Load(context.Background(), repoID); ok && desc.BundlePath != "" {
			return repos
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bundle never arrived")
	return repos
}

func writeRandomBundle(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo.bundle")
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSendBundleRoundTrip(t *testing.T) {
	sender := newNode(t, 1024, false)
	receiver := newNode(t, 1024, false)
	connect(t, sender, receiver)

	bundlePath := writeRandomBundle(t, 1024*10+37)
	want, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	repoID := "did:repo:zRoundTrip"
	if err := receiver.repos.Save(context.Background(), wireRepo(repoID, true)); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	if err := sender.engine.SendBundle(context.Background(), receiver.kp.NodeID(), repoID, bundlePath); err != nil {
		t.Fatalf("SendBundle: %v", err)
	}

	waitForBundle(t, receiver.repos, repoID, 3*time.Second)
	desc, _, _ := receiver.repos.Load(context.Background(), repoID)
	got, err := os.ReadFile(desc.BundlePath)
	if err != nil {
		t.Fatalf("ReadFile received bundle: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received bundle differs from sent bundle (got %d bytes, want %d)", len(got), len(want))
	}
}

func TestSendBundleRoundTripWithCompression(t *testing.T) {
	sender := newNode(t, 2048, true)
	receiver := newNode(t, 2048, true)
	connect(t, sender, receiver)

	bundlePath := writeRandomBundle(t, 2048*4)
	want, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	repoID := "did:repo:zCompressed"
	if err := receiver.repos.Save(context.Background(), wireRepo(repoID, true)); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	if err := sender.engine.SendBundle(context.Background(), receiver.kp.NodeID(), repoID, bundlePath); err != nil {
		t.Fatalf("SendBundle: %v", err)
	}

	waitForBundle(t, receiver.repos, repoID, 3*time.Second)
	desc, _, _ := receiver.repos.Load(context.Background(), repoID)
	got, err := os.ReadFile(desc.BundlePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("received bundle differs from sent bundle under compression")
	}
}

// TestReceiverToleratesOutOfOrderChunks delivers Start, then chunks in
// reverse order, then Done directly to the receiver's frame handler,
// exercising the positional-write redesign (spec.md §9) without relying on
// transport delivery order.
func TestReceiverToleratesOutOfOrderChunks(t *testing.T) {
	receiver := newNode(t, 4, false)
	sender, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	repoID := "did:repo:zReordered"
	data := []byte("ABCDEFGHIJKLMNOP") // 16 bytes, 4 chunks of 4

	start := wire.NewStartFrame(repoID, "repo.bundle", uint64(len(data)))
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, start)); err != nil {
		t.Fatalf("handle start: %v", err)
	}

	order := []int{3, 1, 0, 2}
	for _, i := range order {
		chunk := wire.NewChunkFrame(repoID, uint32(i), data[i*4:i*4+4])
		if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, chunk)); err != nil {
			t.Fatalf("handle chunk %d: %v", i, err)
		}
	}

	done := wire.NewDoneFrame(repoID)
	if err := receiver.repos.Save(context.Background(), wireRepo(repoID, true)); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, done)); err != nil {
		t.Fatalf("handle done: %v", err)
	}

	desc, ok, err := receiver.repos.Load(context.Background(), repoID)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	got, err := os.ReadFile(desc.BundlePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestHandleDoneRejectsIncompleteTransfer(t *testing.T) {
	receiver := newNode(t, 4, false)
	sender, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	repoID := "did:repo:zIncomplete"
	start := wire.NewStartFrame(repoID, "repo.bundle", 16)
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, start)); err != nil {
		t.Fatalf("handle start: %v", err)
	}
	chunk := wire.NewChunkFrame(repoID, 0, []byte("ABCD"))
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, chunk)); err != nil {
		t.Fatalf("handle chunk: %v", err)
	}

	done := wire.NewDoneFrame(repoID)
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, done)); err == nil {
		t.Fatal("expected ErrIncompleteTransfer")
	}
}

// TestHandleChunkCreatesFileOnMissingStart confirms a Chunk arriving with no
// prior Start on record creates the inbound file on demand rather than
// erroring, per the documented safety net against a lost Start frame.
func TestHandleChunkCreatesFileOnMissingStart(t *testing.T) {
	receiver := newNode(t, 4, false)
	sender, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	repoID := "did:repo:zNeverStarted"
	chunk := wire.NewChunkFrame(repoID, 0, []byte("ABCD"))
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, chunk)); err != nil {
		t.Fatalf("handle chunk: %v", err)
	}

	// A late Start must not reopen (and truncate) the file the Chunk already
	// wrote into; it only records the announced total size.
	start := wire.NewStartFrame(repoID, "repo.bundle", 4)
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, start)); err != nil {
		t.Fatalf("handle late start: %v", err)
	}

	done := wire.NewDoneFrame(repoID)
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, done)); err != nil {
		t.Fatalf("handle done: %v", err)
	}
}

// TestHandleDoneRejectsUnknownTransfer confirms a Done frame with no inbound
// transfer on record (no Start, no Chunk) still errors, since Done itself has
// no create-on-demand fallback.
func TestHandleDoneRejectsUnknownTransfer(t *testing.T) {
	receiver := newNode(t, 4, false)
	sender, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	done := wire.NewDoneFrame("did:repo:zNeverStarted")
	if err := receiver.engine.handleFrame(sender.NodeID(), encodeFrame(t, done)); err == nil {
		t.Fatal("expected ErrUnknownTransfer")
	}
}

func encodeFrame(t *testing.T, f wire.TransferFrame) []byte {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func wireRepo(repoID string, external bool) wire.RepoDescriptor {
	return wire.RepoDescriptor{RepoID: repoID, IsExternal: external}
}
