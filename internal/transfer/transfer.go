// Package transfer implements the chunked bulk-transfer protocol
// (spec.md §4.5): a sender frames a bundle file into fixed-size chunks and
// streams them over a dedicated transport tag; a receiver writes each chunk
// positionally (not append-only), tolerating out-of-order and duplicate
// delivery, and finalizes the repository once every byte has arrived. A
// background pull loop requests bundles for repos learned from gossip but
// never yet fetched.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/metrics"
	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/transport"
	"github.com/shurlinet/megaengine/internal/wire"
)

// Tag is the transport demux tag carrying transfer frames.
const Tag = "DATA"

// Config tunes the transfer engine.
type Config struct {
	// DataDir is the directory bundles received from peers are written
	// into, one file per (sender, repo_id).
	DataDir string
	// ChunkSize is the payload size each Chunk frame carries; the final
	// chunk of a bundle may be shorter. Defaults to wire.ChunkSize.
	ChunkSize int
	// PullInterval is how often the pull loop scans for external repos
	// with no bundle yet fetched. Defaults to 30s per spec.md §4.5.
	PullInterval time.Duration
	// Compress enables zstd compression of chunk payloads on the wire.
	Compress bool
}

// inbound tracks one in-progress incoming transfer, keyed by (sender, repo).
type inbound struct {
	file          *os.File
	path          string
	totalSize     uint64
	bytesWritten  uint64
	receivedIndex map[uint32]bool
}

// Engine runs the sender, receiver, and pull loop halves of the transfer
// protocol for one node.
type Engine struct {
	cfg       Config
	transport *transport.Transport
	identity  *identity.KeyPair
	repos     storage.RepoStore
	git       storage.GitTool
	metrics   *metrics.Metrics

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.Mutex
	inflight map[string]*inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a transfer Engine.
func New(cfg Config, tr *transport.Transport, kp *identity.KeyPair, repos storage.RepoStore, git storage.GitTool, m *metrics.Metrics) (*Engine, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = wire.ChunkSize
	}
	if cfg.PullInterval == 0 {
		cfg.PullInterval = 30 * time.Second
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: new zstd decoder: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		transport: tr,
		identity:  kp,
		repos:     repos,
		git:       git,
		metrics:   m,
		enc:       enc,
		dec:       dec,
		inflight:  make(map[string]*inbound),
	}, nil
}

// Start launches the receive loop and pull loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.receiveLoop()
	go e.pullLoop()
	slog.Info("transfer: started", "chunk_size", e.cfg.ChunkSize, "compress", e.cfg.Compress)
}

// Close stops all background goroutines and releases any partially-written
// receive files.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.enc.Close()
	e.dec.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, in := range e.inflight {
		in.file.Close()
	}
}

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
			if err := e.handleFrame(msg.From, msg.Data); err != nil {
				slog.Warn("transfer: handle frame failed", "from", msg.From, "error", err)
			}
		}
	}
}

func (e *Engine) handleFrame(from identity.NodeID, data []byte) error {
	frame, err := wire.DecodeTransferFrame(data)
	if err != nil {
		return fmt.Errorf("transfer: decode frame: %w", err)
	}
	switch frame.Kind {
	case wire.FrameRequest:
		e.dispatchServeRequest(from, frame.RepoID)
		return nil
	case wire.FrameStart:
		return e.handleStart(from, frame)
	case wire.FrameChunk:
		return e.handleChunk(from, frame)
	case wire.FrameDone:
		return e.handleDone(from, frame)
	default:
		return fmt.Errorf("transfer: unhandled frame kind %q", frame.Kind)
	}
}

// RequestBundle asks peer to send repoID's bundle.
func (e *Engine) RequestBundle(ctx context.Context, peer identity.NodeID, repoID string) error {
	data, err := wire.NewRequestFrame(repoID).Encode()
	if err != nil {
		return fmt.Errorf("transfer: encode request: %w", err)
	}
	if err := e.transport.Send(ctx, peer, Tag, data); err != nil {
		return fmt.Errorf("transfer: send request: %w", err)
	}
	return nil
}

// dispatchServeRequest runs serveRequest on its own goroutine so packing and
// streaming a bundle never blocks receiveLoop from processing Start/Chunk/Done
// frames for other in-flight transfers. The goroutine is tracked by e.wg so
// Close waits for it before tearing down the zstd codecs it may be using.
func (e *Engine) dispatchServeRequest(requester identity.NodeID, repoID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.serveRequest(requester, repoID); err != nil {
			slog.Warn("transfer: serve request failed", "peer", requester, "repo_id", repoID, "error", err)
		}
	}()
}

// serveRequest answers an incoming Request frame by packing (if needed) and
// streaming the named repo's bundle back to the requester.
func (e *Engine) serveRequest(requester identity.NodeID, repoID string) error {
	desc, ok, err := e.repos.Load(e.ctx, repoID)
	if err != nil {
		return fmt.Errorf("load repo: %w", err)
	}
	if !ok || desc.IsExternal {
		return fmt.Errorf("%w: %s", ErrNoSuchRepo, repoID)
	}

	bundlePath := desc.BundlePath
	if bundlePath == "" {
		if desc.LocalPath == "" {
			return fmt.Errorf("%w: %s has no local path to pack", ErrNoSuchRepo, repoID)
		}
		bundlePath = filepath.Join(e.cfg.DataDir, "outbound", repoID+".bundle")
		if err := os.MkdirAll(filepath.Dir(bundlePath), 0o755); err != nil {
			return fmt.Errorf("create outbound dir: %w", err)
		}
		if err := e.git.PackBundle(e.ctx, desc.LocalPath, bundlePath); err != nil {
			return fmt.Errorf("pack bundle: %w", err)
		}
	}

	return e.SendBundle(e.ctx, requester, repoID, bundlePath)
}

// SendBundle frames bundlePath into Start/Chunk/Done frames and streams it
// to peer.
func (e *Engine) SendBundle(ctx context.Context, peer identity.NodeID, repoID, bundlePath string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}

	start := wire.NewStartFrame(repoID, filepath.Base(bundlePath), uint64(info.Size()))
	if err := e.sendFrame(ctx, peer, start); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	var idx uint32
	var sent uint64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			payload := buf[:n]
			if e.cfg.Compress {
				payload = e.enc.EncodeAll(payload, nil)
			}
			chunk := wire.NewChunkFrame(repoID, idx, payload)
			if err := e.sendFrame(ctx, peer, chunk); err != nil {
				return fmt.Errorf("send chunk %d: %w", idx, err)
			}
			idx++
			sent += uint64(n)
			if e.metrics != nil {
				e.metrics.TransferChunksTotal.WithLabelValues("sent").Inc()
				e.metrics.TransferBytesTotal.WithLabelValues("sent").Add(float64(n))
			}
		}
		if readErr != nil {
			break
		}
	}

	if err := e.sendFrame(ctx, peer, wire.NewDoneFrame(repoID)); err != nil {
		return fmt.Errorf("send done: %w", err)
	}
	slog.Info("transfer: sent bundle", "repo_id", repoID, "peer", peer, "bytes", sent, "chunks", idx)
	return nil
}

func (e *Engine) sendFrame(ctx context.Context, peer identity.NodeID, frame wire.TransferFrame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, peer, Tag, data)
}

func inflightKey(from identity.NodeID, repoID string) string {
	return string(from) + "/" + repoID
}

func (e *Engine) handleStart(from identity.NodeID, frame wire.TransferFrame) error {
	key := inflightKey(from, frame.RepoID)

	e.mu.Lock()
	existing, ok := e.inflight[key]
	e.mu.Unlock()
	if ok {
		// A Chunk already created this entry on demand (reordered or
		// not-yet-processed Start): record the total size it announces
		// without touching the file, which may already hold chunk data.
		e.mu.Lock()
		existing.totalSize = frame.TotalSize
		e.mu.Unlock()
		slog.Info("transfer: start frame for already-open bundle", "from", from, "repo_id", frame.RepoID, "total_size", frame.TotalSize)
		return nil
	}

	if _, err := e.createInflight(from, frame.RepoID, frame.TotalSize); err != nil {
		return fmt.Errorf("create bundle file: %w", err)
	}
	slog.Info("transfer: receiving bundle", "from", from, "repo_id", frame.RepoID, "total_size", frame.TotalSize)
	return nil
}

// createInflight opens (creating if needed) the on-disk file backing an
// incoming transfer and registers its inbound bookkeeping. Safe to call
// whether the triggering frame was Start or an out-of-order Chunk.
func (e *Engine) createInflight(from identity.NodeID, repoID string, totalSize uint64) (*inbound, error) {
	dir := filepath.Join(e.cfg.DataDir, "inbound", sanitizeNodeID(from))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbound dir: %w", err)
	}
	path := filepath.Join(dir, repoID+".bundle")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create bundle file: %w", err)
	}

	in := &inbound{
		file:          f,
		path:          path,
		totalSize:     totalSize,
		receivedIndex: make(map[uint32]bool),
	}

	e.mu.Lock()
	e.inflight[inflightKey(from, repoID)] = in
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TransferActive.Inc()
	}
	return in, nil
}

func (e *Engine) handleChunk(from identity.NodeID, frame wire.TransferFrame) error {
	key := inflightKey(from, frame.RepoID)
	e.mu.Lock()
	in, ok := e.inflight[key]
	e.mu.Unlock()
	if !ok {
		// A Chunk with no Start on record: create the file on demand as a
		// safety net against a lost or not-yet-processed Start frame. Its
		// totalSize stays zero until a Start arrives; handleDone only
		// rejects bytes short of a recorded total, so a Done with no
		// Start finalizes whatever the chunks wrote.
		created, err := e.createInflight(from, frame.RepoID, 0)
		if err != nil {
			return fmt.Errorf("create inflight bundle on first chunk: %w", err)
		}
		in = created
	}

	payload := frame.Data
	if e.cfg.Compress {
		decoded, err := e.dec.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("decompress chunk %d: %w", frame.ChunkIndex, err)
		}
		payload = decoded
	}

	offset := int64(frame.ChunkIndex) * int64(e.cfg.ChunkSize)
	if _, err := in.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", frame.ChunkIndex, offset, err)
	}

	e.mu.Lock()
	if !in.receivedIndex[frame.ChunkIndex] {
		in.receivedIndex[frame.ChunkIndex] = true
		in.bytesWritten += uint64(len(payload))
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TransferChunksTotal.WithLabelValues("received").Inc()
		e.metrics.TransferBytesTotal.WithLabelValues("received").Add(float64(len(payload)))
	}
	return nil
}

func (e *Engine) handleDone(from identity.NodeID, frame wire.TransferFrame) error {
	key := inflightKey(from, frame.RepoID)
	e.mu.Lock()
	in, ok := e.inflight[key]
	if ok {
		delete(e.inflight, key)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: repo %s from %s", ErrUnknownTransfer, frame.RepoID, from)
	}
	defer in.file.Close()

	if in.bytesWritten < in.totalSize {
		return fmt.Errorf("%w: repo %s got %d/%d bytes", ErrIncompleteTransfer, frame.RepoID, in.bytesWritten, in.totalSize)
	}

	if e.metrics != nil {
		e.metrics.TransferActive.Dec()
	}

	if err := e.repos.UpdateBundlePath(e.ctx, frame.RepoID, in.path); err != nil {
		return fmt.Errorf("update bundle path: %w", err)
	}

	desc, ok, err := e.repos.Load(e.ctx, frame.RepoID)
	if err != nil {
		return fmt.Errorf("load repo after transfer: %w", err)
	}
	if ok && desc.LocalPath != "" {
		if err := e.git.PullFromBundle(e.ctx, desc.LocalPath, in.path, ""); err != nil {
			return fmt.Errorf("pull from bundle: %w", err)
		}
	}

	slog.Info("transfer: bundle complete", "from", from, "repo_id", frame.RepoID, "bytes", in.bytesWritten)
	return nil
}

// pullLoop periodically requests bundles for known external repos that have
// not yet been fetched, flooding the request to every connected peer.
func (e *Engine) pullLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pullOnce()
		}
	}
}

func (e *Engine) pullOnce() {
	repos, err := e.repos.List(e.ctx)
	if err != nil {
		slog.Warn("transfer: list repos for pull failed", "error", err)
		return
	}
	for _, r := range repos {
		if !r.IsExternal || r.BundlePath != "" {
			continue
		}
		for _, peer := range e.transport.ListPeers() {
			if err := e.RequestBundle(e.ctx, peer, r.RepoID); err != nil {
				slog.Warn("transfer: request bundle failed", "repo_id", r.RepoID, "peer", peer, "error", err)
			}
		}
	}
}

func sanitizeNodeID(id identity.NodeID) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
