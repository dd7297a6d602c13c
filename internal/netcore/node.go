package netcore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/megaengine/internal/config"
	"github.com/shurlinet/megaengine/internal/gossip"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/messaging"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/reputation"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/transfer"
	"github.com/shurlinet/megaengine/internal/transport"
	"github.com/shurlinet/megaengine/internal/wire"
)

// Stores bundles the Storage Ports and GitTool a Node needs. Production
// backends are external collaborators (spec.md §6); tests wire
// internal/storage/memory's reference implementations instead.
type Stores struct {
	Identity storage.IdentityStore
	Nodes    storage.NodeStore
	Repos    storage.RepoStore
	Refs     storage.RefStore
	Chats    storage.ChatStore
	Git      storage.GitTool
}

// Node wires the Identity, Transport, Gossip, Transfer, and Messaging
// subsystems together (spec.md §5). Each engine's background loops are
// stopped by that engine's Close; the errgroup behind Wait runs only the
// optional metrics server and the peer-history sampler.
type Node struct {
	cfg      *config.Config
	identity *identity.KeyPair

	Transport *transport.Transport
	Gossip    *gossip.Engine
	Transfer  *transfer.Engine
	Messaging *messaging.Engine
	Metrics   *metrics.Metrics

	// peers is sovereign, local-only connection history (spec.md §5): no
	// gossip, no trust score, just a record of who this node has talked to
	// and how, for an operator or a future trust layer to consult.
	peers *reputation.PeerHistory

	metricsServer *http.Server

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New constructs every engine for cfg but does not start anything; call
// Start to begin listening, dialing bootstrap peers, and running the
// background task set.
func New(cfg *config.Config, stores Stores, buildVersion, goVersion string) (*Node, error) {
	kp, err := loadOrGenerateIdentity(context.Background(), stores.Identity)
	if err != nil {
		return nil, fmt.Errorf("netcore: identity: %w", err)
	}

	m := metrics.New(buildVersion, goVersion)

	tr, err := transport.New(transport.Config{
		ListenAddress:  cfg.Network.ListenAddress,
		IdleTimeout:    cfg.Transport.IdleTimeout,
		KeepAlive:      cfg.Transport.KeepAlive,
		ReaperInterval: cfg.Transport.ReaperInterval,
	}, kp, m)
	if err != nil {
		return nil, fmt.Errorf("netcore: transport: %w", err)
	}

	compress := cfg.Transfer.IsCompressionEnabled()
	tf, err := transfer.New(transfer.Config{
		DataDir:      cfg.DataDir,
		PullInterval: cfg.Transfer.PullInterval,
		Compress:     compress,
	}, tr, kp, stores.Repos, stores.Git, m)
	if err != nil {
		return nil, fmt.Errorf("netcore: transfer: %w", err)
	}

	g := gossip.New(gossip.Config{
		TTL:                  cfg.Gossip.TTL,
		BroadcastIntervalMin: cfg.Gossip.BroadcastIntervalMin,
		BroadcastIntervalMax: cfg.Gossip.BroadcastIntervalMax,
		SeenRetention:        cfg.Gossip.SeenRetention,
		SeenReapInterval:     cfg.Gossip.SeenReapInterval,
		Alias:                cfg.Alias,
		Role:                 wire.RoleNormal,
	}, tr, kp, stores.Nodes, stores.Repos, stores.Refs, stores.Git, m)

	msg := messaging.New(messaging.Config{
		TTL:            cfg.Gossip.TTL,
		OutboxInterval: cfg.Messaging.OutboxInterval,
	}, tr, kp, stores.Chats, m)

	// Chat/ack envelopes ride the gossip flood but are re-signed per hop by
	// messaging itself; gossip hands them off after its own dedup/verify
	// pass rather than forwarding them unchanged like a discovery envelope.
	g.SetChatHandlers(msg.HandleChatEnvelope, msg.HandleAckEnvelope)

	n := &Node{
		cfg:       cfg,
		identity:  kp,
		Transport: tr,
		Gossip:    g,
		Transfer:  tf,
		Messaging: msg,
		Metrics:   m,
		peers:     reputation.NewPeerHistory(filepath.Join(cfg.DataDir, "peers.json")),
	}

	if cfg.Telemetry.Metrics.Enabled {
		addr := cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9091"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		n.metricsServer = &http.Server{Addr: addr, Handler: mux}
	}

	return n, nil
}

// Identity returns this node's keypair, e.g. for printing its NodeId.
func (n *Node) Identity() *identity.KeyPair { return n.identity }

// Start binds the transport listener, launches every engine's background
// tasks, dials the configured bootstrap peers, and (if enabled) starts the
// metrics HTTP server. It returns once the listener is bound; background
// failures surface through Wait.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	eg, egCtx := errgroup.WithContext(runCtx)
	n.eg = eg

	if err := n.Transport.Start(egCtx); err != nil {
		cancel()
		return fmt.Errorf("netcore: start transport: %w", err)
	}

	n.Gossip.Start(egCtx)
	n.Transfer.Start(egCtx)
	n.Messaging.Start(egCtx)

	if n.metricsServer != nil {
		eg.Go(func() error {
			slog.Info("netcore: metrics server listening", "address", n.metricsServer.Addr)
			if err := n.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("netcore: metrics server: %w", err)
			}
			return nil
		})
	}

	for _, boot := range n.cfg.Network.BootstrapNodes {
		if err := n.dialBootstrap(egCtx, boot); err != nil {
			slog.Warn("netcore: bootstrap dial failed", "peer", boot, "error", err)
		}
	}

	eg.Go(func() error {
		n.recordPeerHistory(egCtx)
		return nil
	})

	slog.Info("netcore: node started", "node_id", n.identity.NodeID(), "alias", n.cfg.Alias)
	return nil
}

// recordPeerHistory samples the transport's live peer set and feeds new
// connections into the node's local peer history until ctx is cancelled.
func (n *Node) recordPeerHistory(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	seen := make(map[identity.NodeID]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.Transport.ListPeers() {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				n.peers.RecordConnection(string(id), "direct", 0)
			}
		}
	}
}

// Peers returns the node's local connection history, e.g. for an operator
// command to inspect which peers it has talked to and how often.
func (n *Node) Peers() *reputation.PeerHistory { return n.peers }

// dialBootstrap parses a NodeAddr of the form "<NodeId>@host:port" and
// dials it.
func (n *Node) dialBootstrap(ctx context.Context, nodeAddr string) error {
	id, addr, err := splitNodeAddr(nodeAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	if err := n.Transport.Dial(ctx, id, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	return nil
}

// Wait blocks until every supervised background task exits, returning the
// first error any of them reported.
func (n *Node) Wait() error {
	if n.eg == nil {
		return nil
	}
	return n.eg.Wait()
}

// Close stops every engine and the metrics server, then waits for all
// background tasks to exit.
func (n *Node) Close() error {
	if n.metricsServer != nil {
		_ = n.metricsServer.Shutdown(context.Background())
	}
	n.Messaging.Close()
	n.Transfer.Close()
	n.Gossip.Close()
	_ = n.Transport.Close()
	if n.cancel != nil {
		n.cancel()
	}
	err := n.Wait()
	if saveErr := n.peers.Save(); saveErr != nil {
		slog.Warn("netcore: failed to save peer history", "error", saveErr)
	}
	return err
}

// loadOrGenerateIdentity loads a persisted keypair, generating and saving a
// fresh one on first run — mirroring the original protocol's "no identity
// file yet" bootstrap path.
func loadOrGenerateIdentity(ctx context.Context, store storage.IdentityStore) (*identity.KeyPair, error) {
	priv, err := store.LoadKeypair(ctx)
	if err == nil && len(priv) == ed25519.PrivateKeySize {
		return identity.FromPrivateKey(priv)
	}

	kp, genErr := identity.Generate()
	if genErr != nil {
		return nil, fmt.Errorf("generate keypair: %w", genErr)
	}
	if saveErr := store.SaveKeypair(ctx, kp.Private); saveErr != nil {
		return nil, fmt.Errorf("persist new keypair: %w", saveErr)
	}
	slog.Info("netcore: generated new node identity", "node_id", kp.NodeID())
	return kp, nil
}
