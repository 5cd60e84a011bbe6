package wire

import (
	"fmt"

	"github.com/dfscore/chunkengine/chunk"
)

// ReadRequest asks a storage node for a part's blocks.
type ReadRequest struct {
	ChunkID    chunk.ID
	Part       chunk.PartType
	FirstBlock uint32
	BlockCount uint32
}

func (r ReadRequest) Encode() []byte {
	b := make([]byte, 8+4+4+4+4)
	PutUint64(b[0:8], uint64(r.ChunkID))
	PutUint32(b[8:12], uint32(r.Part.Index))
	putSliceKind(b[12:16], r.Part.Slice)
	PutUint32(b[16:20], r.FirstBlock)
	PutUint32(b[20:24], r.BlockCount)
	return b
}

func DecodeReadRequest(b []byte) (ReadRequest, error) {
	if len(b) < 24 {
		return ReadRequest{}, fmt.Errorf("wire: short READ payload")
	}
	kind, err := sliceKind(b[12:16])
	if err != nil {
		return ReadRequest{}, err
	}
	return ReadRequest{
		ChunkID:    chunk.ID(Uint64(b[0:8])),
		Part:       chunk.PartType{Slice: kind, Index: int(Uint32(b[8:12]))},
		FirstBlock: Uint32(b[16:20]),
		BlockCount: Uint32(b[20:24]),
	}, nil
}

// ReadStatus is the header sent before a READ_DATA payload (or in place of
// one, on failure): the part's current version and block count, so the
// caller can cross-check before trusting the bytes that follow, the same
// check the reference replicator performs on every source it queries.
type ReadStatus struct {
	Status     Status
	ChunkID    chunk.ID
	Version    chunk.Version
	BlockCount uint32
}

func (s ReadStatus) Encode() []byte {
	b := make([]byte, 1+8+4+4)
	b[0] = byte(s.Status)
	PutUint64(b[1:9], uint64(s.ChunkID))
	PutUint32(b[9:13], uint32(s.Version))
	PutUint32(b[13:17], s.BlockCount)
	return b
}

func DecodeReadStatus(b []byte) (ReadStatus, error) {
	if len(b) < 17 {
		return ReadStatus{}, fmt.Errorf("wire: short READ_STATUS payload")
	}
	return ReadStatus{
		Status:     Status(b[0]),
		ChunkID:    chunk.ID(Uint64(b[1:9])),
		Version:    chunk.Version(Uint32(b[9:13])),
		BlockCount: Uint32(b[13:17]),
	}, nil
}

// WriteInit begins a write to a chunk part at a specific version, the wire
// counterpart of storagenode.WritePart's version precondition.
type WriteInit struct {
	ChunkID chunk.ID
	Part    chunk.PartType
	Version chunk.Version
	Offset  uint32
}

func (w WriteInit) Encode() []byte {
	b := make([]byte, 8+4+4+4+4)
	PutUint64(b[0:8], uint64(w.ChunkID))
	PutUint32(b[8:12], uint32(w.Part.Index))
	putSliceKind(b[12:16], w.Part.Slice)
	PutUint32(b[16:20], uint32(w.Version))
	PutUint32(b[20:24], w.Offset)
	return b
}

func DecodeWriteInit(b []byte) (WriteInit, error) {
	if len(b) < 24 {
		return WriteInit{}, fmt.Errorf("wire: short WRITE_INIT payload")
	}
	kind, err := sliceKind(b[12:16])
	if err != nil {
		return WriteInit{}, err
	}
	return WriteInit{
		ChunkID: chunk.ID(Uint64(b[0:8])),
		Part:    chunk.PartType{Slice: kind, Index: int(Uint32(b[8:12]))},
		Version: chunk.Version(Uint32(b[16:20])),
		Offset:  Uint32(b[20:24]),
	}, nil
}

// WriteData is one data packet within a write chain: the block's position
// and CRC, sent as a header immediately followed by the block's raw bytes
// in the same frame's payload. WriteId ties this packet to the WriteStatus
// the chunkserver eventually answers with, since packets within a chain are
// pipelined and answers can be delayed behind slower ones.
type WriteData struct {
	ChunkID chunk.ID
	WriteID uint32
	Block   uint32
	Offset  uint32
	Size    uint32
	CRC     uint32
	Data    []byte
}

func (w WriteData) Encode() []byte {
	b := make([]byte, 8+4+4+4+4+4+len(w.Data))
	PutUint64(b[0:8], uint64(w.ChunkID))
	PutUint32(b[8:12], w.WriteID)
	PutUint32(b[12:16], w.Block)
	PutUint32(b[16:20], w.Offset)
	PutUint32(b[20:24], w.Size)
	PutUint32(b[24:28], w.CRC)
	copy(b[28:], w.Data)
	return b
}

func DecodeWriteData(b []byte) (WriteData, error) {
	if len(b) < 28 {
		return WriteData{}, fmt.Errorf("wire: short WRITE_DATA payload")
	}
	size := Uint32(b[20:24])
	if uint32(len(b)-28) != size {
		return WriteData{}, fmt.Errorf("wire: WRITE_DATA size %d != payload %d", size, len(b)-28)
	}
	return WriteData{
		ChunkID: chunk.ID(Uint64(b[0:8])),
		WriteID: Uint32(b[8:12]),
		Block:   Uint32(b[12:16]),
		Offset:  Uint32(b[16:20]),
		Size:    size,
		CRC:     Uint32(b[24:28]),
		Data:    b[28:],
	}, nil
}

// WriteEnd closes a write chain, instructing the chunkserver to fix the
// part's final length at whatever the chain's data packets established.
// It carries no write id of its own; the chunkserver answers with a
// WriteStatus whose WriteID is the reserved value 0, the same convention
// chunk_writer.h uses for WRITE_INIT's acknowledgement.
type WriteEnd struct {
	ChunkID chunk.ID
}

func (w WriteEnd) Encode() []byte {
	b := make([]byte, 8)
	PutUint64(b[0:8], uint64(w.ChunkID))
	return b
}

func DecodeWriteEnd(b []byte) (WriteEnd, error) {
	if len(b) < 8 {
		return WriteEnd{}, fmt.Errorf("wire: short WRITE_END payload")
	}
	return WriteEnd{ChunkID: chunk.ID(Uint64(b[0:8]))}, nil
}

// WriteStatus answers either a WRITE_DATA packet (WriteID identifies which
// one) or a WRITE_END (WriteID is 0, reserved the same way chunk_writer.h
// reserves id 0 for WRITE_INIT), carrying the resulting CRC so the writer
// can detect a torn write without re-reading the whole part.
type WriteStatus struct {
	Status  Status
	WriteID uint32
	CRC     uint32
}

func (s WriteStatus) Encode() []byte {
	b := make([]byte, 1+4+4)
	b[0] = byte(s.Status)
	PutUint32(b[1:5], s.WriteID)
	PutUint32(b[5:9], s.CRC)
	return b
}

func DecodeWriteStatus(b []byte) (WriteStatus, error) {
	if len(b) < 9 {
		return WriteStatus{}, fmt.Errorf("wire: short WRITE_STATUS payload")
	}
	return WriteStatus{Status: Status(b[0]), WriteID: Uint32(b[1:5]), CRC: Uint32(b[5:9])}, nil
}

// ChunkEventMessage is what a storage node sends the metadata server when a
// chunk part is created, found damaged, or found lost.
type ChunkEventMessage struct {
	ChunkID chunk.ID
	Part    chunk.PartType
}

func (m ChunkEventMessage) Encode() []byte {
	b := make([]byte, 8+4+4)
	PutUint64(b[0:8], uint64(m.ChunkID))
	PutUint32(b[8:12], uint32(m.Part.Index))
	putSliceKind(b[12:16], m.Part.Slice)
	return b
}

func DecodeChunkEventMessage(b []byte) (ChunkEventMessage, error) {
	if len(b) < 16 {
		return ChunkEventMessage{}, fmt.Errorf("wire: short chunk event payload")
	}
	kind, err := sliceKind(b[12:16])
	if err != nil {
		return ChunkEventMessage{}, err
	}
	return ChunkEventMessage{
		ChunkID: chunk.ID(Uint64(b[0:8])),
		Part:    chunk.PartType{Slice: kind, Index: int(Uint32(b[8:12]))},
	}, nil
}

// sliceKind tags encode a SliceKind compactly: byte 0 selects the category
// (0 standard, 1 xor, 2 ec), byte 1 carries N (xor) or k (ec), byte 2
// carries m (ec only), and byte 3 is unused.
func putSliceKind(b []byte, k chunk.SliceKind) {
	switch {
	case k.IsStandard():
		b[0] = 0
	case k.IsXor():
		b[0] = 1
		b[1] = byte(k.XorN())
	case k.IsEC():
		b[0] = 2
		kk, m := k.ECParams()
		b[1] = byte(kk)
		b[2] = byte(m)
	}
}

func sliceKind(b []byte) (chunk.SliceKind, error) {
	switch b[0] {
	case 0:
		return chunk.Standard(), nil
	case 1:
		return chunk.Xor(int(b[1])), nil
	case 2:
		return chunk.EC(int(b[1]), int(b[2])), nil
	default:
		return chunk.SliceKind{}, fmt.Errorf("wire: unknown slice kind tag %d", b[0])
	}
}
