package wire

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// DefaultTTL is the hop count every freshly originated envelope carries,
// fixed at 16 per the original implementation this protocol was distilled
// from (gossip and chat envelopes alike).
const DefaultTTL = 16

// Envelope is a signed payload: sender identity, tagged payload, timestamp,
// and a detached signature over EnvelopeHash(sender, payload, timestamp).
type Envelope struct {
	Sender    string          `json:"sender"`
	Kind      PayloadKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Signature []byte          `json:"signature"`
}

// Wrapper is an Envelope plus its remaining flood-forwarding hop count, the
// unit actually exchanged between peers.
type Wrapper struct {
	Envelope Envelope `json:"envelope"`
	TTL      int      `json:"ttl"`
}

// NewEnvelope builds and signs an Envelope carrying payload, using signFn to
// produce the detached signature (ordinarily KeyPair.Sign).
func NewEnvelope(sender string, kind PayloadKind, payload any, timestamp int64, signFn func([]byte) ([]byte, error)) (Envelope, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal payload: %w", err)
	}
	hash, err := EnvelopeHash(sender, payload, timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: hash envelope: %w", err)
	}
	sig, err := signFn(hash)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: sign envelope: %w", err)
	}
	return Envelope{
		Sender:    sender,
		Kind:      kind,
		Payload:   rawPayload,
		Timestamp: timestamp,
		Signature: sig,
	}, nil
}

// Wrap pairs env with ttl for transmission.
func (env Envelope) Wrap(ttl int) Wrapper {
	return Wrapper{Envelope: env, TTL: ttl}
}

// Hash recomputes the canonical digest this envelope's signature should
// cover, from its wire-form (possibly non-canonically-ordered) payload
// bytes. json.RawMessage implements json.Marshaler by returning itself
// unchanged, so CanonicalJSON still normalizes key order correctly.
func (env Envelope) Hash() ([]byte, error) {
	return EnvelopeHash(env.Sender, env.Payload, env.Timestamp)
}

// Verify reports whether env's signature is valid under the verification
// key embedded in its Sender NodeId.
func (env Envelope) Verify(nodeIDToPublicKey func(string) (ed25519.PublicKey, error)) bool {
	pub, err := nodeIDToPublicKey(env.Sender)
	if err != nil {
		return false
	}
	hash, err := env.Hash()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, hash, env.Signature)
}

// DecodeWrapper parses bytes as a {envelope, ttl} Wrapper; failing that, as
// a bare Envelope (defaulting TTL to DefaultTTL); failing both, returns
// ErrParseFailure. This mirrors spec.md §4.4's receive-pipeline parse step.
func DecodeWrapper(data []byte) (Wrapper, error) {
	var w Wrapper
	if err := json.Unmarshal(data, &w); err == nil && w.Envelope.Sender != "" {
		return w, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Sender != "" {
		return Wrapper{Envelope: env, TTL: DefaultTTL}, nil
	}
	return Wrapper{}, fmt.Errorf("wire: decode envelope: %w", ErrParseFailure)
}

// Encode serializes w for transmission.
func (w Wrapper) Encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("wire: encode wrapper: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals env's payload into a concrete type, matching its
// Kind tag.
func DecodeNodeAnnouncement(env Envelope) (NodeAnnouncement, error) {
	var v NodeAnnouncement
	if env.Kind != KindNodeAnnouncement {
		return v, fmt.Errorf("wire: %w: expected %s, got %s", ErrUnknownPayloadKind, KindNodeAnnouncement, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("wire: %w: %v", ErrParseFailure, err)
	}
	return v, nil
}

func DecodeRepoInventory(env Envelope) (RepoInventory, error) {
	var v RepoInventory
	if env.Kind != KindRepoInventory {
		return v, fmt.Errorf("wire: %w: expected %s, got %s", ErrUnknownPayloadKind, KindRepoInventory, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("wire: %w: %v", ErrParseFailure, err)
	}
	return v, nil
}

func DecodeEncryptedChat(env Envelope) (EncryptedChat, error) {
	var v EncryptedChat
	if env.Kind != KindEncryptedChat {
		return v, fmt.Errorf("wire: %w: expected %s, got %s", ErrUnknownPayloadKind, KindEncryptedChat, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("wire: %w: %v", ErrParseFailure, err)
	}
	return v, nil
}

func DecodeChatAck(env Envelope) (ChatAck, error) {
	var v ChatAck
	if env.Kind != KindChatAck {
		return v, fmt.Errorf("wire: %w: expected %s, got %s", ErrUnknownPayloadKind, KindChatAck, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("wire: %w: %v", ErrParseFailure, err)
	}
	return v, nil
}
