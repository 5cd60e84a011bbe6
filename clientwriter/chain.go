package clientwriter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/crc32combine"
	"github.com/dfscore/chunkengine/errkind"
	"github.com/dfscore/chunkengine/semaphore"
	"github.com/dfscore/chunkengine/wire"
)

// Dialer opens the single connection a chain sends its packets over. The
// connection goes straight to the one storage node holding the part; the
// writer dials every part's holder itself and nothing forwards packets to
// further nodes.
type Dialer interface {
	Dial(addr string, timeout time.Duration) (io.ReadWriteCloser, error)
}

// chainTimeouts bounds a chain's network waits, the writer-side analogue
// of clientreader's Timeouts.
type chainTimeouts struct {
	Connect  time.Duration
	Response time.Duration
}

var defaultChainTimeouts = chainTimeouts{
	Connect:  1 * time.Second,
	Response: 5 * time.Second,
}

// chain drives one part's write connection: WRITE_INIT once, then a
// WRITE_DATA/WRITE_STATUS exchange per packet, then WRITE_END. Unlike
// clientreader's fire-and-forget fetches, packets on one chain must retire
// in order (invariant: statuses are matched to packets by write_id, but a
// missing status within response_timeout fails the whole chain), so chain
// serializes its own sends under sendMu while still letting the writer
// overlap sends to *different* chains.
type chain struct {
	addr     string
	id       chunk.ID
	part     chunk.PartType
	timeouts chainTimeouts

	sendMu sync.Mutex
	conn   io.ReadWriteCloser
}

func dialChain(d Dialer, addr string, part chunk.PartType, id chunk.ID, version chunk.Version, t chainTimeouts) (*chain, error) {
	conn, err := d.Dial(addr, t.Connect)
	if err != nil {
		return nil, errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: dial %s: %w", addr, err))
	}
	c := &chain{addr: addr, id: id, part: part, timeouts: t, conn: conn}
	init := wire.WriteInit{ChunkID: id, Part: part, Version: version}
	if err := c.roundTrip(wire.MsgWriteInit, init.Encode(), 0); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// sendData sends one data packet and waits for its matching status,
// classifying the result per the writer-visible error taxonomy: a send or
// receive failure (including a timeout) is recoverable; a protocol
// violation (wrong frame type, malformed status, wrong write_id) is fatal;
// a failure status is classified by classifyStatus, which makes the
// permanent conditions (ENOENT, QUOTA, NOSPACE) unrecoverable.
func (c *chain) sendData(writeID uint32, block, offset uint32, data []byte) error {
	crc := crc32combine.Checksum(0, data)
	msg := wire.WriteData{
		ChunkID: c.id,
		WriteID: writeID,
		Block:   block,
		Offset:  offset,
		Size:    uint32(len(data)),
		CRC:     crc,
		Data:    data,
	}
	return c.roundTrip(wire.MsgWriteData, msg.Encode(), writeID)
}

// end sends WRITE_END and waits for its (WriteID == 0) status.
func (c *chain) end() error {
	msg := wire.WriteEnd{ChunkID: c.id}
	return c.roundTrip(wire.MsgWriteEnd, msg.Encode(), 0)
}

func (c *chain) roundTrip(msgType wire.MessageType, payload []byte, wantWriteID uint32) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if d, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(time.Now().Add(c.timeouts.Response))
	}
	if err := wire.WriteFrame(c.conn, wire.Frame{Type: msgType, Payload: payload}); err != nil {
		return errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: send to %s: %w", c.addr, err))
	}
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: status from %s: %w", c.addr, err))
	}
	if frame.Type != wire.MsgWriteStatus {
		return errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: expected WRITE_STATUS from %s, got %s", c.addr, frame.Type))
	}
	status, err := wire.DecodeWriteStatus(frame.Payload)
	if err != nil {
		return errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: malformed WRITE_STATUS from %s: %w", c.addr, err))
	}
	if status.WriteID != wantWriteID {
		return errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: %s answered write_id %d, expected %d", c.addr, status.WriteID, wantWriteID))
	}
	if status.Status != wire.StatusOK {
		return errkind.New(classifyStatus(status.Status), status.Status.Err())
	}
	return nil
}

func (c *chain) close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// classifyStatus sorts a chunkserver's reported status into the
// writer-visible error taxonomy: LOCKED, CHUNKLOST, IO, DISCONNECTED and
// every timeout/transport status are recoverable; ENOENT, QUOTA and
// NOSPACE are unrecoverable outright.
func classifyStatus(s wire.Status) errkind.Kind {
	switch s {
	case wire.StatusENOENT, wire.StatusQuota, wire.StatusNoSpace:
		return errkind.Unrecoverable
	case wire.StatusLocked, wire.StatusChunkLost, wire.StatusIO,
		wire.StatusDisconnected, wire.StatusTimeout, wire.StatusDelayed,
		wire.StatusCantConnect, wire.StatusChunkIsBusy, wire.StatusCRC:
		return errkind.Recoverable
	default:
		return errkind.Fatal
	}
}

// windowGate caps the number of in-flight data packets across every chain
// a writer drives at once, the cross-chain counterpart of
// write_window_size (the reference enforces the limit per chain; this
// writer enforces one shared budget across all of a chunk's chains, which
// is at least as strict).
type windowGate struct {
	sem *semaphore.Semaphore
}

func newWindowGate(size int) *windowGate {
	if size <= 0 {
		size = 1
	}
	return &windowGate{sem: semaphore.New(int64(size))}
}

func (g *windowGate) acquire() { g.sem.Acquire(1) }
func (g *windowGate) release() { g.sem.Release(1) }
