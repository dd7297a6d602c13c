package transport

import (
	"context"
	"testing"
	"time"

	"github.com/shurlinet/megaengine/internal/identity"
)

func newTestTransport(t *testing.T) (*Transport, *identity.KeyPair) {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	tr, err := New(Config{ListenAddress: "127.0.0.1:0"}, kp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		tr.Close()
	})
	return tr, kp
}

func TestDialAndHandshake(t *testing.T) {
	server, serverKP := newTestTransport(t)
	client, clientKP := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Dial(ctx, serverKP.NodeID(), server.LocalAddr().String()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.IsConnected(clientKP.NodeID()) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !server.IsConnected(clientKP.NodeID()) {
		t.Fatal("server never saw the client's handshake")
	}
	if !client.IsConnected(serverKP.NodeID()) {
		t.Fatal("client does not consider itself connected to the server")
	}
}

func TestSendDeliversTaggedMessage(t *testing.T) {
	server, serverKP := newTestTransport(t)
	client, clientKP := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Dial(ctx, serverKP.NodeID(), server.LocalAddr().String()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !server.IsConnected(clientKP.NodeID()) {
		time.Sleep(10 * time.Millisecond)
	}

	payload := []byte("hello from client")
	if err := client.Send(ctx, serverKP.NodeID(), "GOSSIP", payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-server.Subscribe():
		if msg.From != clientKP.NodeID() {
			t.Errorf("From = %v, want %v", msg.From, clientKP.NodeID())
		}
		if msg.Tag != "GOSSIP" {
			t.Errorf("Tag = %q, want GOSSIP", msg.Tag)
		}
		if string(msg.Data) != string(payload) {
			t.Errorf("Data = %q, want %q", msg.Data, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	tr, _ := newTestTransport(t)
	stranger, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	err = tr.Send(context.Background(), stranger.NodeID(), "GOSSIP", []byte("x"))
	if err == nil {
		t.Fatal("expected error sending to an unconnected peer")
	}
}

func TestDecodeTaggedRoundTrip(t *testing.T) {
	encoded := encodeTagged("DATA", []byte("payload"))
	tag, payload := decodeTagged(encoded)
	if tag != "DATA" || string(payload) != "payload" {
		t.Errorf("got tag=%q payload=%q", tag, payload)
	}
}
