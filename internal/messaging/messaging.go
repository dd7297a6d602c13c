// Package messaging implements end-to-end encrypted node-to-node chat with
// store-and-forward relay (spec.md §4.6): an outbox loop that encrypts and
// sends queued messages, and inbound handlers for encrypted chat and
// delivery-ack envelopes that either consume the message locally or relay it
// on, re-signing the outer envelope at each hop while the original sender
// and receiver identifiers inside the payload are carried through unchanged.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shurlinet/megaengine/internal/gossip"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/transport"
	"github.com/shurlinet/megaengine/internal/wire"
)

// Config tunes the messaging engine.
type Config struct {
	TTL            int
	OutboxInterval time.Duration
}

// Engine runs the outbox loop and inbound chat/ack handlers for one node.
type Engine struct {
	cfg       Config
	transport *transport.Transport
	identity  *identity.KeyPair
	chats     storage.ChatStore
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a messaging Engine.
func New(cfg Config, tr *transport.Transport, kp *identity.KeyPair, chats storage.ChatStore, m *metrics.Metrics) *Engine {
	if cfg.TTL == 0 {
		cfg.TTL = wire.DefaultTTL
	}
	if cfg.OutboxInterval == 0 {
		cfg.OutboxInterval = time.Second
	}
	return &Engine{
		cfg:       cfg,
		transport: tr,
		identity:  kp,
		chats:     chats,
		metrics:   m,
	}
}

// Start launches the outbox loop. Inbound envelopes are not read directly
// from the transport by this engine; the gossip Engine owns the shared
// receive pipeline and delegates EncryptedChat/ChatAck envelopes to
// HandleChatEnvelope/HandleAckEnvelope once registered via
// gossip.Engine.SetChatHandlers.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.outboxLoop()
	slog.Info("messaging: started", "ttl", e.cfg.TTL)
}

// Close stops the outbox loop.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Send enqueues a plaintext message addressed to receiver's NodeId for
// delivery by the outbox loop, returning the message id immediately. It
// mirrors the original protocol's save-then-let-the-background-task-send
// pattern: a caller never blocks on network delivery.
func (e *Engine) Send(ctx context.Context, receiver string, plaintext string) (string, error) {
	if _, err := identity.ParseNodeID(receiver); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	msgID := uuid.New().String()
	msg := storage.ChatMessage{
		ID:        msgID,
		From:      string(e.identity.NodeID()),
		To:        receiver,
		Plaintext: plaintext,
		CreatedAt: time.Now().UnixNano(),
		Status:    storage.ChatStatusSending,
	}
	if err := e.chats.Save(ctx, msg); err != nil {
		return "", fmt.Errorf("messaging: save message: %w", err)
	}
	return msgID, nil
}

func (e *Engine) outboxLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.OutboxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.processPending()
		}
	}
}

func (e *Engine) processPending() {
	pending, err := e.chats.FindByStatus(e.ctx, storage.ChatStatusSending)
	if err != nil {
		slog.Warn("messaging: list pending messages failed", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.OutboxDepth.Set(float64(len(pending)))
	}
	for _, msg := range pending {
		if err := e.trySend(msg); err != nil {
			slog.Warn("messaging: send failed, will retry", "msg_id", msg.ID, "error", err)
			if e.metrics != nil {
				e.metrics.MessagesSentTotal.WithLabelValues("failure").Inc()
			}
			continue
		}
		if err := e.chats.UpdateStatus(e.ctx, msg.ID, storage.ChatStatusSent); err != nil {
			slog.Warn("messaging: update status failed", "msg_id", msg.ID, "error", err)
		}
	}
}

func (e *Engine) trySend(msg storage.ChatMessage) error {
	receiverID, err := identity.ParseNodeID(msg.To)
	if err != nil {
		if updErr := e.chats.UpdateStatus(e.ctx, msg.ID, storage.ChatStatusFailed); updErr != nil {
			slog.Warn("messaging: mark failed failed", "msg_id", msg.ID, "error", updErr)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	receiverPub, err := receiverID.PublicKey()
	if err != nil {
		return fmt.Errorf("messaging: decode recipient key: %w", err)
	}

	ciphertext, err := identity.EncryptTo(receiverPub, []byte(msg.Plaintext))
	if err != nil {
		return fmt.Errorf("messaging: encrypt: %w", err)
	}

	chat := wire.EncryptedChat{
		SenderID:   msg.From,
		ReceiverID: msg.To,
		MsgID:      msg.ID,
		Ciphertext: ciphertext,
	}

	if err := e.sendChatEnvelope(chat, e.cfg.TTL, ""); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.MessagesSentTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// sendChatEnvelope signs a fresh EncryptedChat envelope as this node and
// routes it: directly to the receiver if already connected, otherwise
// flooded to all peers except skip.
func (e *Engine) sendChatEnvelope(chat wire.EncryptedChat, ttl int, skip identity.NodeID) error {
	env, err := wire.NewEnvelope(string(e.identity.NodeID()), wire.KindEncryptedChat, chat, time.Now().UnixNano(), e.identity.Sign)
	if err != nil {
		return fmt.Errorf("messaging: build envelope: %w", err)
	}
	return e.routeEnvelope(env, ttl, identity.NodeID(chat.ReceiverID), skip)
}

func (e *Engine) sendAckEnvelope(ack wire.ChatAck, ttl int, skip identity.NodeID) error {
	env, err := wire.NewEnvelope(string(e.identity.NodeID()), wire.KindChatAck, ack, time.Now().UnixNano(), e.identity.Sign)
	if err != nil {
		return fmt.Errorf("messaging: build ack envelope: %w", err)
	}
	return e.routeEnvelope(env, ttl, identity.NodeID(ack.Target), skip)
}

// routeEnvelope sends env directly to target if it is among the currently
// connected peers, else floods it to every connected peer except skip.
func (e *Engine) routeEnvelope(env wire.Envelope, ttl int, target, skip identity.NodeID) error {
	wrapper := env.Wrap(ttl)
	data, err := wrapper.Encode()
	if err != nil {
		return fmt.Errorf("messaging: encode envelope: %w", err)
	}

	peers := e.transport.ListPeers()
	if len(peers) == 0 {
		return ErrNoPeers
	}

	if e.transport.IsConnected(target) {
		return e.transport.Send(e.ctx, target, gossip.Tag, data)
	}

	for _, peer := range peers {
		if peer == skip {
			continue
		}
		_ = e.transport.Send(e.ctx, peer, gossip.Tag, data)
	}
	return nil
}

// HandleChatEnvelope is registered with the gossip engine as its
// EncryptedChat dispatch hook. If the message is addressed to this node it
// is decrypted, stored (idempotently), and acknowledged; otherwise it is
// relayed on with a freshly-signed outer envelope, the remaining TTL
// decremented, skipping only the original sender.
func (e *Engine) HandleChatEnvelope(env wire.Envelope, ttl int) error {
	chat, err := wire.DecodeEncryptedChat(env)
	if err != nil {
		return fmt.Errorf("messaging: decode chat: %w", err)
	}

	if chat.ReceiverID != string(e.identity.NodeID()) {
		if ttl <= 0 {
			return nil
		}
		if err := e.sendChatEnvelope(chat, ttl-1, identity.NodeID(chat.SenderID)); err != nil {
			return fmt.Errorf("messaging: relay chat: %w", err)
		}
		if e.metrics != nil {
			e.metrics.MessagesReceivedTotal.WithLabelValues("relayed").Inc()
		}
		return nil
	}

	if _, found, err := e.chats.FindByID(e.ctx, chat.MsgID); err != nil {
		return fmt.Errorf("messaging: lookup existing message: %w", err)
	} else if !found {
		plaintext, err := e.identity.Decrypt(chat.Ciphertext)
		if err != nil {
			return fmt.Errorf("messaging: decrypt: %w", err)
		}
		msg := storage.ChatMessage{
			ID:        chat.MsgID,
			From:      chat.SenderID,
			To:        chat.ReceiverID,
			Plaintext: string(plaintext),
			CreatedAt: time.Now().UnixNano(),
			Status:    storage.ChatStatusDelivered,
		}
		if err := e.chats.Save(e.ctx, msg); err != nil {
			return fmt.Errorf("messaging: save delivered message: %w", err)
		}
		if e.metrics != nil {
			e.metrics.MessagesReceivedTotal.WithLabelValues("direct").Inc()
		}
		slog.Info("messaging: chat delivered", "from", chat.SenderID, "msg_id", chat.MsgID)
	}

	ack := wire.ChatAck{
		Sender:    string(e.identity.NodeID()),
		Target:    chat.SenderID,
		MsgID:     chat.MsgID,
		Timestamp: time.Now().UnixNano(),
	}
	if err := e.sendAckEnvelope(ack, e.cfg.TTL, ""); err != nil {
		return fmt.Errorf("messaging: send ack: %w", err)
	}
	return nil
}

// HandleAckEnvelope is registered with the gossip engine as its ChatAck
// dispatch hook, mirroring HandleChatEnvelope's local-consume-or-relay
// split.
func (e *Engine) HandleAckEnvelope(env wire.Envelope, ttl int) error {
	ack, err := wire.DecodeChatAck(env)
	if err != nil {
		return fmt.Errorf("messaging: decode ack: %w", err)
	}

	if ack.Target != string(e.identity.NodeID()) {
		if ttl <= 0 {
			return nil
		}
		if err := e.sendAckEnvelope(ack, ttl-1, identity.NodeID(ack.Sender)); err != nil {
			return fmt.Errorf("messaging: relay ack: %w", err)
		}
		if e.metrics != nil {
			e.metrics.MessagesReceivedTotal.WithLabelValues("relayed").Inc()
		}
		return nil
	}

	if err := e.chats.UpdateStatus(e.ctx, ack.MsgID, storage.ChatStatusDelivered); err != nil {
		return fmt.Errorf("messaging: update status to delivered: %w", err)
	}
	if e.metrics != nil {
		e.metrics.MessagesReceivedTotal.WithLabelValues("direct").Inc()
	}
	slog.Info("messaging: ack received", "msg_id", ack.MsgID)
	return nil
}
