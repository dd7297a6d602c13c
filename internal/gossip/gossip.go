// Package gossip implements the signed, TTL-bounded, deduplicated
// dissemination layer (spec.md §4.4): periodic NodeAnnouncement/RepoInventory
// broadcasts to every connected peer, and a receive pipeline that parses,
// deduplicates, verifies, dispatches, and flood-forwards every inbound
// envelope with its TTL decremented.
package gossip

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/repo"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/transport"
	"github.com/shurlinet/megaengine/internal/wire"
)

// Tag is the transport demux tag carrying gossip envelopes.
const Tag = "GOSSIP"

// Config tunes the gossip engine (spec.md §4.4).
type Config struct {
	TTL                  int
	BroadcastIntervalMin time.Duration
	BroadcastIntervalMax time.Duration
	SeenRetention        time.Duration
	SeenReapInterval     time.Duration

	Alias           string
	Role            wire.Role
	ListenAddresses []string
}

// Engine runs the broadcast loop and receive pipeline for one node.
type Engine struct {
	cfg       Config
	transport *transport.Transport
	identity  *identity.KeyPair
	nodes     storage.NodeStore
	repos     storage.RepoStore
	refs      storage.RefStore
	git       storage.GitTool
	metrics   *metrics.Metrics

	seen *seenSet

	chatHandler    func(env wire.Envelope, ttl int) error
	chatAckHandler func(env wire.Envelope, ttl int) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetChatHandlers registers the callbacks messaging envelopes are delegated
// to once they have passed the shared dedup/verify pipeline. Messaging
// envelopes share the gossip flood rather than running their own receive
// pipeline, exactly as the original protocol's single dispatcher hands
// EncryptedChat/ChatAck variants off to the chat subsystem after gossip's
// own verification and TTL bookkeeping.
func (e *Engine) SetChatHandlers(chat, ack func(env wire.Envelope, ttl int) error) {
	e.chatHandler = chat
	e.chatAckHandler = ack
}

// New builds a gossip Engine.
func New(cfg Config, tr *transport.Transport, kp *identity.KeyPair, nodes storage.NodeStore, repos storage.RepoStore, refs storage.RefStore, git storage.GitTool, m *metrics.Metrics) *Engine {
	if cfg.TTL == 0 {
		cfg.TTL = wire.DefaultTTL
	}
	if cfg.BroadcastIntervalMin == 0 {
		cfg.BroadcastIntervalMin = 10 * time.Second
	}
	if cfg.BroadcastIntervalMax == 0 {
		cfg.BroadcastIntervalMax = 30 * time.Second
	}
	if cfg.SeenRetention == 0 {
		cfg.SeenRetention = 300 * time.Second
	}
	if cfg.SeenReapInterval == 0 {
		cfg.SeenReapInterval = 30 * time.Second
	}

	return &Engine{
		cfg:       cfg,
		transport: tr,
		identity:  kp,
		nodes:     nodes,
		repos:     repos,
		refs:      refs,
		git:       git,
		metrics:   m,
		seen:      newSeenSet(cfg.SeenRetention),
	}
}

// Start launches the receive loop, periodic broadcaster, and seen-set reaper.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go e.receiveLoop()
	go e.broadcastLoop()
	go e.reapLoop()

	slog.Info("gossip: started", "ttl", e.cfg.TTL)
}

// Close stops all background goroutines.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// receiveLoop consumes GOSSIP-tagged inbound transport messages.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg, ok := <-e.transport.Subscribe():
			if !ok {
				return
			}
			if msg.Tag != Tag {
				continue
			}
			if err := e.handleIncoming(msg.From, msg.Data); err != nil {
				slog.Warn("gossip: handle incoming failed", "from", msg.From, "error", err)
			}
		}
	}
}

// handleIncoming implements spec.md §4.4's receive pipeline: parse, dedup,
// verify, dispatch, forward.
func (e *Engine) handleIncoming(from identity.NodeID, data []byte) error {
	wrapper, err := wire.DecodeWrapper(data)
	if err != nil {
		e.countDrop("parse_failure")
		return fmt.Errorf("gossip: decode: %w", err)
	}
	env := wrapper.Envelope

	hash, err := env.Hash()
	if err != nil {
		e.countDrop("parse_failure")
		return fmt.Errorf("gossip: hash: %w", err)
	}
	id := fmt.Sprintf("%x", hash)

	if !e.seen.markIfNew(id) {
		e.countDrop("duplicate")
		return nil
	}

	if !env.Verify(resolveSignerKey) {
		e.countDrop("bad_signature")
		return fmt.Errorf("gossip: signature verification failed for sender %s", env.Sender)
	}

	if e.metrics != nil {
		e.metrics.GossipReceivedTotal.WithLabelValues(string(env.Kind), "accepted").Inc()
	}

	// EncryptedChat/ChatAck relay with a re-signed outer envelope (each hop
	// authenticates the forward itself) rather than gossip's plain
	// pass-through flood, so messaging owns their forwarding entirely once
	// handed the envelope and its remaining TTL.
	if env.Kind == wire.KindEncryptedChat || env.Kind == wire.KindChatAck {
		return e.dispatch(env, wrapper.TTL)
	}

	if err := e.dispatch(env, wrapper.TTL); err != nil {
		return fmt.Errorf("gossip: dispatch: %w", err)
	}

	if wrapper.TTL > 0 {
		e.forward(env, wrapper.TTL-1, from)
	} else {
		e.countDrop("expired_ttl")
	}
	return nil
}

func (e *Engine) countDrop(reason string) {
	if e.metrics != nil {
		e.metrics.GossipDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// resolveSignerKey turns an Envelope.Sender NodeId string into its embedded
// verification key, per spec.md's did:key NodeId scheme.
func resolveSignerKey(sender string) (ed25519.PublicKey, error) {
	id, err := identity.ParseNodeID(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSigner, err)
	}
	return id.PublicKey()
}

func (e *Engine) dispatch(env wire.Envelope, ttl int) error {
	switch env.Kind {
	case wire.KindNodeAnnouncement:
		na, err := wire.DecodeNodeAnnouncement(env)
		if err != nil {
			return err
		}
		return e.handleNodeAnnouncement(na)
	case wire.KindRepoInventory:
		inv, err := wire.DecodeRepoInventory(env)
		if err != nil {
			return err
		}
		return e.handleRepoInventory(inv)
	case wire.KindEncryptedChat:
		if e.chatHandler == nil {
			return nil
		}
		return e.chatHandler(env, ttl)
	case wire.KindChatAck:
		if e.chatAckHandler == nil {
			return nil
		}
		return e.chatAckHandler(env, ttl)
	default:
		return fmt.Errorf("gossip: %w: %q", wire.ErrUnknownPayloadKind, env.Kind)
	}
}

func (e *Engine) handleNodeAnnouncement(na wire.NodeAnnouncement) error {
	slog.Info("gossip: node announcement", "node_id", na.NodeID, "alias", na.Alias, "role", na.Role)
	if err := e.nodes.Save(e.ctx, na); err != nil {
		return fmt.Errorf("save node announcement: %w", err)
	}
	return nil
}

func (e *Engine) handleRepoInventory(inv wire.RepoInventory) error {
	for _, advertised := range inv.Repos {
		if err := e.reconcileOne(advertised); err != nil {
			slog.Warn("gossip: reconcile repo failed", "repo_id", advertised.RepoID, "error", err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(advertised wire.RepoDescriptor) error {
	local, found, err := e.repos.Load(e.ctx, advertised.RepoID)
	if err != nil {
		return fmt.Errorf("load local repo: %w", err)
	}

	var localPtr *wire.RepoDescriptor
	var localRefs map[string]string
	if found {
		localPtr = &local
		localRefs, err = e.resolveLocalRefs(local)
		if err != nil {
			return fmt.Errorf("resolve local refs: %w", err)
		}
	}

	action := repo.Reconcile(localPtr, found && local.IsExternal, localRefs, advertised)
	switch action {
	case repo.ActionIgnore:
		return nil
	case repo.ActionInsert:
		inserted := advertised
		inserted.LocalPath = ""
		inserted.BundlePath = ""
		inserted.IsExternal = true
		if err := e.repos.Save(e.ctx, inserted); err != nil {
			return fmt.Errorf("insert external repo: %w", err)
		}
		if err := e.refs.BatchSave(e.ctx, advertised.RepoID, advertised.Refs); err != nil {
			return fmt.Errorf("save refs: %w", err)
		}
		slog.Info("gossip: learned new repo", "repo_id", advertised.RepoID, "name", advertised.Name)
		return nil
	case repo.ActionMarkStale:
		stale := local
		stale.Refs = advertised.Refs
		if stale.BundlePath != "" {
			if err := os.Remove(stale.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("gossip: remove stale bundle failed", "repo_id", advertised.RepoID, "path", stale.BundlePath, "error", err)
			}
			stale.BundlePath = ""
		}
		if err := e.repos.Save(e.ctx, stale); err != nil {
			return fmt.Errorf("mark repo stale: %w", err)
		}
		if err := e.refs.BatchSave(e.ctx, advertised.RepoID, advertised.Refs); err != nil {
			return fmt.Errorf("save refs: %w", err)
		}
		slog.Info("gossip: marked repo stale, awaiting re-pull", "repo_id", advertised.RepoID)
		return nil
	default:
		return nil
	}
}

// resolveLocalRefs reads the ref set currently backing a local descriptor:
// from its bundle file if one has been fetched, otherwise from the ref
// table populated by the last reconciliation.
func (e *Engine) resolveLocalRefs(local wire.RepoDescriptor) (map[string]string, error) {
	if local.BundlePath != "" {
		return e.git.ExtractBundleRefs(e.ctx, local.BundlePath)
	}
	return e.refs.Load(e.ctx, local.RepoID)
}

func (e *Engine) forward(env wire.Envelope, ttl int, skip identity.NodeID) {
	wrapper := env.Wrap(ttl)
	data, err := wrapper.Encode()
	if err != nil {
		slog.Warn("gossip: encode forward failed", "error", err)
		return
	}
	for _, peer := range e.transport.ListPeers() {
		if peer == skip {
			continue
		}
		if err := e.transport.Send(e.ctx, peer, Tag, data); err != nil {
			continue
		}
	}
	if e.metrics != nil {
		e.metrics.GossipForwardedTotal.WithLabelValues(string(env.Kind)).Inc()
	}
}

// broadcastLoop periodically announces this node and its repository
// inventory to every connected peer, at a cadence jittered between
// BroadcastIntervalMin and BroadcastIntervalMax per tick so peers don't
// converge on a synchronized broadcast rhythm.
func (e *Engine) broadcastLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.nextBroadcastDelay()):
			e.broadcastOnce()
		}
	}
}

func (e *Engine) nextBroadcastDelay() time.Duration {
	lo, hi := e.cfg.BroadcastIntervalMin, e.cfg.BroadcastIntervalMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (e *Engine) broadcastOnce() {
	now := time.Now().UnixNano()

	na := wire.NodeAnnouncement{
		NodeID:          string(e.identity.NodeID()),
		ProtocolVersion: 1,
		Alias:           e.cfg.Alias,
		Role:            e.cfg.Role,
		ListenAddresses: e.cfg.ListenAddresses,
	}
	if err := e.broadcastPayload(wire.KindNodeAnnouncement, na, now); err != nil {
		slog.Warn("gossip: broadcast node announcement failed", "error", err)
	}

	repos, err := e.repos.List(e.ctx)
	if err != nil {
		slog.Warn("gossip: list local repos failed", "error", err)
		return
	}
	if len(repos) == 0 {
		return
	}
	inv := wire.RepoInventory{Repos: repos}.ForWire()
	if err := e.broadcastPayload(wire.KindRepoInventory, inv, now); err != nil {
		slog.Warn("gossip: broadcast repo inventory failed", "error", err)
	}
}

func (e *Engine) broadcastPayload(kind wire.PayloadKind, payload any, timestamp int64) error {
	env, err := wire.NewEnvelope(string(e.identity.NodeID()), kind, payload, timestamp, e.identity.Sign)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	wrapper := env.Wrap(e.cfg.TTL)
	data, err := wrapper.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	// Mark our own broadcast as seen so we drop it silently if it floods
	// back to us via a relay loop.
	if hash, err := env.Hash(); err == nil {
		e.seen.markIfNew(fmt.Sprintf("%x", hash))
	}

	for _, peer := range e.transport.ListPeers() {
		_ = e.transport.Send(e.ctx, peer, Tag, data)
	}
	return nil
}

func (e *Engine) reapLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SeenReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.seen.reap()
			if e.metrics != nil {
				e.metrics.SeenSetSize.Set(float64(e.seen.size()))
			}
		}
	}
}
