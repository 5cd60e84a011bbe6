package storagenode

import (
	"fmt"
	"io"
	"time"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/wire"
)

// deadliner lets requestChunkStatus/requestBlockData bound their network
// wait without requiring a full net.Conn in tests (a plain io.ReadWriteCloser
// suffices otherwise).
type deadliner interface {
	SetDeadline(t time.Time) error
}

func requestChunkStatus(conn io.ReadWriteCloser, id chunk.ID, timeout time.Duration) (*sourceStatus, error) {
	if d, ok := conn.(deadliner); ok {
		_ = d.SetDeadline(timeSince(timeout))
	}
	req := wire.ReadRequest{ChunkID: id}
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgRead, Payload: req.Encode()}); err != nil {
		return nil, fmt.Errorf("storagenode: status request: %w", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("storagenode: status response: %w", err)
	}
	status, err := wire.DecodeReadStatus(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("storagenode: status response: %w", err)
	}
	if status.Status != wire.StatusOK {
		return nil, status.Status.Err()
	}
	return &sourceStatus{
		ChunkID: status.ChunkID,
		Version: status.Version,
		Blocks:  int(status.BlockCount),
	}, nil
}

func requestBlockData(conn io.ReadWriteCloser, blocks int, timeout time.Duration) ([]byte, error) {
	if d, ok := conn.(deadliner); ok {
		_ = d.SetDeadline(timeSince(timeout))
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("storagenode: block data read: %w", err)
	}
	if frame.Type != wire.MsgReadData {
		return nil, fmt.Errorf("storagenode: expected READ_DATA, got %s", frame.Type)
	}
	want := blocks * chunk.BlockSize
	if len(frame.Payload) != want {
		return nil, fmt.Errorf("storagenode: block data: got %d bytes, want %d", len(frame.Payload), want)
	}
	return frame.Payload, nil
}

func timeSince(d time.Duration) time.Time {
	return time.Now().Add(d)
}
