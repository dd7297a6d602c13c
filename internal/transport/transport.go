// Package transport implements the secure multiplexed authenticated
// connection layer (spec.md §4.3): each node listens and dials over QUIC
// with the ALPN identifier "h3", authenticating peers by reading a NodeId
// off the first stream of every connection rather than via certificate
// chain validation. Every logical message gets its own unidirectional QUIC
// stream — there is no in-stream framing to worry about, since a stream's
// EOF marks the end of one message.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
)

// ALPNProtocol is the TLS ALPN identifier negotiated on every connection.
const ALPNProtocol = "h3"

// Config tunes the transport's QUIC parameters (spec.md §4.3).
type Config struct {
	ListenAddress  string
	IdleTimeout    time.Duration // default 300s
	KeepAlive      time.Duration // default 30s
	ReaperInterval time.Duration // default 30s
}

// InboundMessage is a single demultiplexed unidirectional stream read to
// completion, tagged by who sent it and which logical channel it belongs to.
type InboundMessage struct {
	From identity.NodeID
	Tag  string
	Data []byte
}

// Peer is a live connection to a remote node.
type Peer struct {
	NodeID     identity.NodeID
	Conn       *quic.Conn
	RemoteAddr net.Addr
	ConnectedAt time.Time
	lastActive  atomicTime
}

// Transport manages the set of live QUIC connections for one node.
type Transport struct {
	cfg      Config
	identity *identity.KeyPair
	metrics  *metrics.Metrics
	tlsConf  *tls.Config
	quicConf *quic.Config

	listener *quic.Listener

	mu    sync.RWMutex
	peers map[identity.NodeID]*Peer

	inbound chan InboundMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Transport for the given identity. It does not start
// listening or dialing until Start is called.
func New(cfg Config, kp *identity.KeyPair, m *metrics.Metrics) (*Transport, error) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 30 * time.Second
	}

	cert, err := selfSignedCertificate(kp)
	if err != nil {
		return nil, fmt.Errorf("transport: self-signed certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: true, // no CA; peers are authenticated via the NodeId handshake instead
		ClientAuth:         tls.RequireAnyClientCert,
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:  cfg.IdleTimeout,
		KeepAlivePeriod: cfg.KeepAlive,
	}

	return &Transport{
		cfg:      cfg,
		identity: kp,
		metrics:  m,
		tlsConf:  tlsConf,
		quicConf: quicConf,
		peers:    make(map[identity.NodeID]*Peer),
		inbound:  make(chan InboundMessage, 256),
	}, nil
}

// Start binds the listener and begins accepting connections and reaping
// stale peers in the background. Call Close to stop.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(t.cfg.ListenAddress, t.tlsConf, t.quicConf)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", t.cfg.ListenAddress, err)
	}
	t.listener = ln
	t.ctx, t.cancel = context.WithCancel(ctx)

	slog.Info("transport: listening", "address", ln.Addr().String(), "node_id", t.identity.NodeID())

	t.wg.Add(2)
	go t.acceptLoop()
	go t.reaperLoop()
	return nil
}

// Close stops accepting connections, closes every peer connection, and
// waits for background goroutines to exit.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	var closeErr error
	if t.listener != nil {
		closeErr = t.listener.Close()
	}

	t.mu.Lock()
	for id, p := range t.peers {
		p.Conn.CloseWithError(0, "shutdown")
		delete(t.peers, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	close(t.inbound)
	return closeErr
}

// LocalAddr returns the bound listen address. Only valid after Start.
func (t *Transport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Subscribe returns the channel of demultiplexed inbound messages.
func (t *Transport) Subscribe() <-chan InboundMessage {
	return t.inbound
}

// ListPeers returns the NodeIds of all currently connected peers.
func (t *Transport) ListPeers() []identity.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]identity.NodeID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a live connection to id exists.
func (t *Transport) IsConnected(id identity.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[id]
	return ok
}

// Dial opens a QUIC connection to addr, completes the NodeId handshake, and
// registers the resulting peer under expectedID. Dialing an already
// connected peer is a no-op.
func (t *Transport) Dial(ctx context.Context, expectedID identity.NodeID, addr string) error {
	if t.IsConnected(expectedID) {
		return nil
	}

	start := time.Now()
	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		t.observeDial("failure")
		return fmt.Errorf("%w: dial %s: %v", ErrDialFailed, addr, err)
	}

	if err := t.sendIdentity(ctx, conn); err != nil {
		conn.CloseWithError(1, "handshake failed")
		t.observeDial("failure")
		return fmt.Errorf("transport: send identity to %s: %w", addr, err)
	}

	peer := t.registerPeer(expectedID, conn)
	t.wg.Add(1)
	go t.readStreams(peer)

	t.observeDial("success")
	if t.metrics != nil {
		t.metrics.DialDurationSeconds.WithLabelValues("success").Observe(time.Since(start).Seconds())
	}
	slog.Info("transport: dialed peer", "node_id", expectedID, "address", addr)
	return nil
}

// Send opens a fresh unidirectional stream to id, writes a tag-prefixed
// frame, and closes the stream. Every logical message is one stream.
func (t *Transport) Send(ctx context.Context, id identity.NodeID, tag string, data []byte) error {
	t.mu.RLock()
	peer, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	stream, err := peer.Conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", id, err)
	}

	if _, err := stream.Write(encodeTagged(tag, data)); err != nil {
		stream.Close()
		return fmt.Errorf("transport: write to %s: %w", id, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("transport: close stream to %s: %w", id, err)
	}

	if t.metrics != nil {
		t.metrics.BytesTotal.WithLabelValues("sent").Add(float64(len(data)))
	}
	return nil
}

func (t *Transport) observeDial(result string) {
	if t.metrics != nil {
		t.metrics.ConnectionsTotal.WithLabelValues("outbound", result).Inc()
	}
}

// acceptLoop accepts incoming connections and spawns a handshake+read
// goroutine for each.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			slog.Warn("transport: accept failed", "error", err)
			continue
		}
		t.wg.Add(1)
		go t.acceptPeer(conn)
	}
}

func (t *Transport) acceptPeer(conn *quic.Conn) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	nodeID, err := t.receiveIdentity(ctx, conn)
	cancel()
	if err != nil {
		slog.Warn("transport: identity handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "handshake failed")
		t.observeDial("failure")
		return
	}

	peer := t.registerPeer(nodeID, conn)
	t.observeDial("success")
	slog.Info("transport: accepted peer", "node_id", nodeID, "remote", conn.RemoteAddr())

	t.wg.Add(1)
	go t.readStreams(peer)
}

func (t *Transport) registerPeer(id identity.NodeID, conn *quic.Conn) *Peer {
	peer := &Peer{
		NodeID:      id,
		Conn:        conn,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: time.Now(),
	}
	peer.lastActive.set(time.Now())

	t.mu.Lock()
	if existing, ok := t.peers[id]; ok {
		existing.Conn.CloseWithError(0, "superseded")
	}
	t.peers[id] = peer
	count := len(t.peers)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveConnections.Set(float64(count))
	}
	return peer
}

// sendIdentity opens the handshake stream and writes this node's NodeId.
func (t *Transport) sendIdentity(ctx context.Context, conn *quic.Conn) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write([]byte(t.identity.NodeID())); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}

// receiveIdentity accepts the peer's first unidirectional stream and parses
// the NodeId carried on it. This is the transport's sole authentication
// check — see the hazard note in cert.go.
func (t *Transport) receiveIdentity(ctx context.Context, conn *quic.Conn) (identity.NodeID, error) {
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: accept identity stream: %v", ErrHandshakeFailed, err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("%w: read identity stream: %v", ErrHandshakeFailed, err)
	}
	id, err := identity.ParseNodeID(string(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return id, nil
}

// readStreams accepts every subsequent unidirectional stream from a peer,
// reads each to completion, and forwards the decoded message to inbound
// before accepting the next one. Streams are read in strict acceptance
// order: a gossip engine or transfer engine relying on a connection's Start
// frame arriving before its Chunk frames needs that ordering preserved, and
// reading the next stream concurrently with the current one would let a
// small, fast frame overtake a large one still being read.
func (t *Transport) readStreams(peer *Peer) {
	defer t.wg.Done()
	for {
		stream, err := peer.Conn.AcceptUniStream(t.ctx)
		if err != nil {
			t.dropPeer(peer.NodeID)
			return
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			continue
		}
		tag, payload := decodeTagged(data)
		peer.lastActive.set(time.Now())
		if t.metrics != nil {
			t.metrics.BytesTotal.WithLabelValues("received").Add(float64(len(payload)))
		}
		select {
		case t.inbound <- InboundMessage{From: peer.NodeID, Tag: tag, Data: payload}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) dropPeer(id identity.NodeID) {
	t.mu.Lock()
	delete(t.peers, id)
	count := len(t.peers)
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.ActiveConnections.Set(float64(count))
	}
	slog.Info("transport: peer disconnected", "node_id", id)
}

// reaperLoop periodically closes connections that have gone idle beyond the
// configured idle timeout. QUIC's own keep-alive/idle-timeout usually closes
// these first; this is a belt-and-suspenders sweep for connections whose
// peer stopped responding to streams but kept the transport-level session up.
func (t *Transport) reaperLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.reapStale()
		}
	}
}

func (t *Transport) reapStale() {
	cutoff := time.Now().Add(-t.cfg.IdleTimeout)
	t.mu.RLock()
	var stale []identity.NodeID
	for id, peer := range t.peers {
		if peer.lastActive.get().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		t.mu.Lock()
		peer, ok := t.peers[id]
		if ok {
			delete(t.peers, id)
		}
		t.mu.Unlock()
		if ok {
			peer.Conn.CloseWithError(0, "idle timeout")
			slog.Info("transport: reaped idle peer", "node_id", id)
		}
	}
}

// encodeTagged prefixes data with "tag\n" so the reader can demultiplex
// control traffic (gossip) from bulk traffic (transfer chunks) without a
// separate stream type negotiation.
func encodeTagged(tag string, data []byte) []byte {
	buf := make([]byte, 0, len(tag)+1+len(data))
	buf = append(buf, tag...)
	buf = append(buf, '\n')
	buf = append(buf, data...)
	return buf
}

func decodeTagged(data []byte) (tag string, payload []byte) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", data
	}
	return string(data[:i]), data[i+1:]
}
