package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/shurlinet/megaengine/internal/gossip"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/storage/memory"
	"github.com/shurlinet/megaengine/internal/transport"
)

type nullGitTool struct{}

func (nullGitTool) PackBundle(context.Context, string, string) error { return nil }
func (nullGitTool) ExtractBundleRefs(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (nullGitTool) ReadRepoRefs(context.Context, string) (map[string]string, error) { return nil, nil }
func (nullGitTool) CloneFromBundle(context.Context, string, string) error           { return nil }
func (nullGitTool) PullFromBundle(context.Context, string, string, string) error     { return nil }

type testNode struct {
	kp        *identity.KeyPair
	transport *transport.Transport
	gossip    *gossip.Engine
	messaging *Engine
	chats     storage.ChatStore
}

func newTestNode(t *testing.T) *testNode {
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

	m := metrics.New("test", "go-test")
	chats := memory.NewChatStore()
	g := gossip.New(gossip.Config{SeenRetention: time.Minute, SeenReapInterval: time.Hour}, tr, kp, memory.NewNodeStore(), memory.NewRepoStore(), memory.NewRefStore(), nullGitTool{}, m)
	msging := New(Config{OutboxInterval: 20 * time.Millisecond}, tr, kp, chats, m)
	g.SetChatHandlers(msging.HandleChatEnvelope, msging.HandleAckEnvelope)

	g.Start(ctx)
	msging.Start(ctx)

	t.Cleanup(func() {
		msging.Close()
		g.Close()
		cancel()
		tr.Close()
	})

	return &testNode{kp: kp, transport: tr, gossip: g, messaging: msging, chats: chats}
}

func connectNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	if err := a.transport.Dial(context.Background(), b.kp.NodeID(), b.transport.LocalAddr().String()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.transport.IsConnected(b.kp.NodeID()) && b.transport.IsConnected(a.kp.NodeID()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("nodes never connected")
}

func waitForChatStatus(t *testing.T, chats storage.ChatStore, msgID string, status storage.ChatStatus, timeout time.Duration) storage.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok, _ := chats.FindByID(context.Background(), msgID); ok && msg.Status == status {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s never reached status %s", msgID, status)
	return storage.ChatMessage{}
}

func TestSendDeliversToDirectlyConnectedPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	msgID, err := a.messaging.Send(context.Background(), string(b.kp.NodeID()), "hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	delivered := waitForChatStatus(t, b.chats, msgID, storage.ChatStatusDelivered, 3*time.Second)
	if delivered.Plaintext != "hello there" {
		t.Errorf("Plaintext = %q, want %q", delivered.Plaintext, "hello there")
	}
	if delivered.From != string(a.kp.NodeID()) {
		t.Errorf("From = %q, want %q", delivered.From, a.kp.NodeID())
	}

	waitForChatStatus(t, a.chats, msgID, storage.ChatStatusDelivered, 3*time.Second)
}

func TestSendRejectsMalformedRecipient(t *testing.T) {
	a := newTestNode(t)
	if _, err := a.messaging.Send(context.Background(), "not-a-node-id", "hi"); err == nil {
		t.Fatal("expected ErrInvalidRecipient")
	}
}

// TestRelayThroughIntermediateNode builds a three-node chain A-B-C (A and C
// never directly connected) and verifies a chat message from A to C, and its
// ack back from C to A, both traverse B via the store-and-forward relay
// path rather than gossip's plain pass-through forward.
func TestRelayThroughIntermediateNode(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	connectNodes(t, a, b)
	connectNodes(t, b, c)

	msgID, err := a.messaging.Send(context.Background(), string(c.kp.NodeID()), "relayed message")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	delivered := waitForChatStatus(t, c.chats, msgID, storage.ChatStatusDelivered, 5*time.Second)
	if delivered.Plaintext != "relayed message" {
		t.Errorf("Plaintext = %q, want %q", delivered.Plaintext, "relayed message")
	}
	if delivered.From != string(a.kp.NodeID()) {
		t.Errorf("From on relayed message = %q, want original sender %q", delivered.From, a.kp.NodeID())
	}

	waitForChatStatus(t, a.chats, msgID, storage.ChatStatusDelivered, 5*time.Second)

	// B itself never becomes a party to the chat message.
	if _, ok, _ := b.chats.FindByID(context.Background(), msgID); ok {
		t.Error("relaying node should not have stored the chat message as its own")
	}
}
