package wire

import (
	"encoding/json"
	"fmt"
)

// FrameKind tags a TransferFrame variant.
type FrameKind string

const (
	FrameRequest FrameKind = "request"
	FrameStart   FrameKind = "start"
	FrameChunk   FrameKind = "chunk"
	FrameDone    FrameKind = "done"
)

// ChunkSize is the fixed chunk payload size used by the transfer engine;
// the final chunk of a transfer may be shorter.
const ChunkSize = 64 * 1024

// TransferFrame is the tagged union of messages exchanged on the data
// channel by the bulk transfer protocol: Request{repo_id} | Start{repo_id,
// file_name, total_size} | Chunk{repo_id, chunk_index, bytes} | Done{repo_id}.
type TransferFrame struct {
	Kind       FrameKind `json:"kind"`
	RepoID     string    `json:"repo_id"`
	FileName   string    `json:"file_name,omitempty"`
	TotalSize  uint64    `json:"total_size,omitempty"`
	ChunkIndex uint32    `json:"chunk_index,omitempty"`
	Data       []byte    `json:"data,omitempty"`
}

func NewRequestFrame(repoID string) TransferFrame {
	return TransferFrame{Kind: FrameRequest, RepoID: repoID}
}

func NewStartFrame(repoID, fileName string, totalSize uint64) TransferFrame {
	return TransferFrame{Kind: FrameStart, RepoID: repoID, FileName: fileName, TotalSize: totalSize}
}

func NewChunkFrame(repoID string, chunkIndex uint32, data []byte) TransferFrame {
	return TransferFrame{Kind: FrameChunk, RepoID: repoID, ChunkIndex: chunkIndex, Data: data}
}

func NewDoneFrame(repoID string) TransferFrame {
	return TransferFrame{Kind: FrameDone, RepoID: repoID}
}

// Encode serializes f for transmission on the data channel.
func (f TransferFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode transfer frame: %w", err)
	}
	return data, nil
}

// DecodeTransferFrame parses a data-channel payload as a TransferFrame.
func DecodeTransferFrame(data []byte) (TransferFrame, error) {
	var f TransferFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("wire: %w: %v", ErrParseFailure, err)
	}
	switch f.Kind {
	case FrameRequest, FrameStart, FrameChunk, FrameDone:
	default:
		return f, fmt.Errorf("wire: %w: %q", ErrUnknownFrameKind, f.Kind)
	}
	return f, nil
}
