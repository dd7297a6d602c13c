package netcore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shurlinet/megaengine/internal/config"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/storage/memory"
	"github.com/shurlinet/megaengine/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGitTool struct{}

func (fakeGitTool) PackBundle(context.Context, string, string) error { return nil }
func (fakeGitTool) ExtractBundleRefs(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (fakeGitTool) ReadRepoRefs(context.Context, string) (map[string]string, error) { return nil, nil }
func (fakeGitTool) CloneFromBundle(context.Context, string, string) error           { return nil }
func (fakeGitTool) PullFromBundle(context.Context, string, string, string) error     { return nil }

func newTestNode(t *testing.T, alias string) (*Node, Stores) {
	t.Helper()
	stores := Stores{
		Identity: memory.NewIdentityStore(),
		Nodes:    memory.NewNodeStore(),
		Repos:    memory.NewRepoStore(),
		Refs:     memory.NewRefStore(),
		Chats:    memory.NewChatStore(),
		Git:      fakeGitTool{},
	}
	cfg := &config.Config{
		Alias:   alias,
		DataDir: t.TempDir(),
		Network: config.NetworkConfig{ListenAddress: "127.0.0.1:0"},
		Gossip: config.GossipConfig{
			TTL:                  8,
			BroadcastIntervalMin: 20 * time.Millisecond,
			BroadcastIntervalMax: 40 * time.Millisecond,
			SeenRetention:        time.Minute,
			SeenReapInterval:     time.Hour,
		},
		Transfer: config.TransferConfig{PullInterval: 30 * time.Millisecond},
		Messaging: config.MessagingConfig{
			OutboxInterval: 20 * time.Millisecond,
		},
	}
	n, err := New(cfg, stores, "test", "go-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := n.Close(); err != nil {
			t.Logf("Close: %v", err)
		}
	})
	return n, stores
}

func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	if err := a.Transport.Dial(context.Background(), b.Identity().NodeID(), b.Transport.LocalAddr().String()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Transport.IsConnected(b.Identity().NodeID()) && b.Transport.IsConnected(a.Identity().NodeID()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("nodes never connected")
}

// TestGossipDiscoveryAndBundlePull runs two wired-up Nodes end to end: A
// advertises a local repository via its periodic gossip broadcast, B
// reconciles it in as external, and B's transfer pull loop fetches the
// bundle without any direct call into either engine's internals.
func TestGossipDiscoveryAndBundlePull(t *testing.T) {
	a, aStores := newTestNode(t, "alice")
	b, bStores := newTestNode(t, "bob")
	connectNodes(t, a, b)

	bundlePath := filepath.Join(t.TempDir(), "repo.bundle")
	if err := os.WriteFile(bundlePath, []byte("pack-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	repoID := "did:repo:zDiscovered"
	if err := aStores.Repos.Save(context.Background(), wire.RepoDescriptor{
		RepoID:     repoID,
		Name:       "discovered",
		Creator:    string(a.Identity().NodeID()),
		LocalPath:  t.TempDir(),
		BundlePath: bundlePath,
		IsExternal: false,
	}); err != nil {
		t.Fatalf("seed repo on A: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if desc, ok, _ := bStores.Repos.Load(context.Background(), repoID); ok && desc.BundlePath != "" {
			got, err := os.ReadFile(desc.BundlePath)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(got) != "pack-bytes" {
				t.Fatalf("bundle content = %q, want %q", got, "pack-bytes")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("B never learned and pulled the repo from A")
}

// TestChatDeliveryBetweenNodes sends a chat message from A to B through the
// full Node wiring (gossip dedup/verify, messaging delegation, outbox loop)
// and confirms both the recipient's delivery and the sender's ack arrive.
func TestChatDeliveryBetweenNodes(t *testing.T) {
	a, aStores := newTestNode(t, "alice")
	b, bStores := newTestNode(t, "bob")
	connectNodes(t, a, b)

	msgID, err := a.Messaging.Send(context.Background(), string(b.Identity().NodeID()), "hi bob")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitForStatus(t, bStores.Chats, msgID, storage.ChatStatusDelivered, 3*time.Second)
	waitForStatus(t, aStores.Chats, msgID, storage.ChatStatusDelivered, 3*time.Second)
}

// TestPeerHistoryRecordsConnections confirms a Node's local connection
// history picks up a peer it has dialed, without any direct call into the
// sampling goroutine.
func TestPeerHistoryRecordsConnections(t *testing.T) {
	a, _ := newTestNode(t, "alice")
	b, _ := newTestNode(t, "bob")
	connectNodes(t, a, b)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec := a.Peers().Get(string(b.Identity().NodeID())); rec != nil && rec.ConnectionCount > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("alice never recorded a connection to bob in peer history")
}

func waitForStatus(t *testing.T, chats storage.ChatStore, msgID string, status storage.ChatStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok, _ := chats.FindByID(context.Background(), msgID); ok && msg.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s never reached status %s", msgID, status)
}
