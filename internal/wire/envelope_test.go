package wire

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	senderID := "did:key:zTestSender"

	na := NodeAnnouncement{NodeID: senderID, ProtocolVersion: 1, Alias: "a", Role: RoleNormal}
	env, err := NewEnvelope(senderID, KindNodeAnnouncement, na, 1700000000, func(b []byte) ([]byte, error) {
		return ed25519.Sign(priv, b), nil
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	ok := env.Verify(func(id string) (ed25519.PublicKey, error) {
		if id != senderID {
			t.Fatalf("unexpected sender id %q", id)
		}
		return pub, nil
	})
	if !ok {
		t.Fatal("Verify rejected a validly signed envelope")
	}
}

func TestEnvelopeVerifyRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	senderID := "did:key:zTestSender"
	env, err := NewEnvelope(senderID, KindNodeAnnouncement, NodeAnnouncement{NodeID: senderID}, 1700000000, func(b []byte) ([]byte, error) {
		return ed25519.Sign(priv, b), nil
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.Signature[0] ^= 0x01

	ok := env.Verify(func(string) (ed25519.PublicKey, error) { return pub, nil })
	if ok {
		t.Fatal("Verify accepted a tampered signature")
	}
}

func TestDecodeWrapperFallsBackToBareEnvelope(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_ = pub
	senderID := "did:key:zTestSender"
	env, err := NewEnvelope(senderID, KindNodeAnnouncement, NodeAnnouncement{NodeID: senderID}, 1700000000, func(b []byte) ([]byte, error) {
		return ed25519.Sign(priv, b), nil
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	bare, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal bare envelope: %v", err)
	}
	w, err := DecodeWrapper(bare)
	if err != nil {
		t.Fatalf("DecodeWrapper: %v", err)
	}
	if w.TTL != DefaultTTL {
		t.Fatalf("TTL = %d, want default %d", w.TTL, DefaultTTL)
	}
	if w.Envelope.Sender != senderID {
		t.Fatalf("sender = %q, want %q", w.Envelope.Sender, senderID)
	}
}

func TestWrapperEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_ = pub
	senderID := "did:key:zTestSender"
	env, err := NewEnvelope(senderID, KindNodeAnnouncement, NodeAnnouncement{NodeID: senderID}, 1700000000, func(b []byte) ([]byte, error) {
		return ed25519.Sign(priv, b), nil
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	w := env.Wrap(16)
	data, err := w.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeWrapper(data)
	if err != nil {
		t.Fatalf("DecodeWrapper: %v", err)
	}
	if got.TTL != 16 {
		t.Fatalf("TTL = %d, want 16", got.TTL)
	}
}
