package clientwriter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/wire"
)

// fakeStorage is the in-memory stand-in for every storage node a test
// writer talks to, keyed by the address a PartLocation names, following
// the same in-memory-dependency style as storagenode's own tests.
type fakeStorage struct {
	mu     sync.Mutex
	blocks map[string]map[int][]byte // addr -> physical block -> data
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blocks: make(map[string]map[int][]byte)}
}

func (s *fakeStorage) seed(addr string, block int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocks[addr] == nil {
		s.blocks[addr] = make(map[int][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blocks[addr][block] = cp
}

func (s *fakeStorage) store(addr string, block int, data []byte) {
	s.seed(addr, block, data)
}

func (s *fakeStorage) get(addr string, block int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.blocks[addr]
	if !ok {
		return nil, false
	}
	d, ok := m[block]
	return d, ok
}

// fakeDialer hands out fakeConns wired to a shared fakeStorage, standing
// in for the real TCP dial a production Dialer performs.
type fakeDialer struct {
	storage *fakeStorage
}

func (d *fakeDialer) Dial(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	return &fakeConn{addr: addr, storage: d.storage}, nil
}

// fakeConn implements io.ReadWriteCloser by parsing whatever frame it
// receives and immediately queuing the matching response, since every
// exchange clientwriter performs over a chain is a strict
// request-then-response round trip.
type fakeConn struct {
	mu       sync.Mutex
	addr     string
	storage  *fakeStorage
	incoming []byte
	outgoing []byte
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = append(c.incoming, p...)
	for {
		if len(c.incoming) < 8 {
			return len(p), nil
		}
		msgType := wire.MessageType(wire.Uint32(c.incoming[0:4]))
		size := wire.Uint32(c.incoming[4:8])
		if uint32(len(c.incoming)-8) < size {
			return len(p), nil
		}
		payload := append([]byte{}, c.incoming[8:8+size]...)
		c.incoming = append([]byte{}, c.incoming[8+size:]...)
		c.outgoing = append(c.outgoing, c.handle(msgType, payload)...)
	}
}

func (c *fakeConn) handle(t wire.MessageType, payload []byte) []byte {
	switch t {
	case wire.MsgWriteInit:
		return frameBytes(wire.WriteStatus{Status: wire.StatusOK, WriteID: 0})
	case wire.MsgWriteData:
		wd, err := wire.DecodeWriteData(payload)
		if err != nil {
			return frameBytes(wire.WriteStatus{Status: wire.StatusEINVAL, WriteID: wd.WriteID})
		}
		c.storage.store(c.addr, int(wd.Block), wd.Data)
		return frameBytes(wire.WriteStatus{Status: wire.StatusOK, WriteID: wd.WriteID})
	case wire.MsgWriteEnd:
		return frameBytes(wire.WriteStatus{Status: wire.StatusOK, WriteID: 0})
	default:
		return frameBytes(wire.WriteStatus{Status: wire.StatusEINVAL, WriteID: 0})
	}
}

func frameBytes(status wire.WriteStatus) []byte {
	payload := status.Encode()
	b := make([]byte, 8+len(payload))
	wire.PutUint32(b[0:4], uint32(wire.MsgWriteStatus))
	wire.PutUint32(b[4:8], uint32(len(payload)))
	copy(b[8:], payload)
	return b
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outgoing) == 0 {
		return 0, fmt.Errorf("fakeconn: no response queued")
	}
	n := copy(p, c.outgoing)
	c.outgoing = c.outgoing[n:]
	return n, nil
}

func (c *fakeConn) Close() error { return nil }

// fakeReader answers FetchBlocks straight out of the shared fakeStorage,
// standing in for clientreader's real executor.
type fakeReader struct {
	storage *fakeStorage
}

func (r *fakeReader) FetchBlocks(addr string, part chunk.PartType, firstBlock, blockCount int) ([]byte, []uint32, error) {
	out := make([]byte, 0, blockCount*chunk.BlockSize)
	crcs := make([]uint32, 0, blockCount)
	for i := 0; i < blockCount; i++ {
		data, ok := r.storage.get(addr, firstBlock+i)
		if !ok {
			return nil, nil, fmt.Errorf("fakereader: %s has no block %d", addr, firstBlock+i)
		}
		out = append(out, data...)
		crcs = append(crcs, 0)
	}
	return out, crcs, nil
}

// fakeLocks grants a lock unconditionally and records the length the
// writer releases it with, so a test can assert on the final committed
// length the way the metadata coordinator would receive it.
type fakeLocks struct {
	mu         sync.Mutex
	released   bool
	releaseLen int64
}

func (l *fakeLocks) AcquireWriteLock(id chunk.ID) (Lock, error) {
	return Lock{ID: 1}, nil
}

func (l *fakeLocks) ReleaseWriteLock(id chunk.ID, lock Lock, newLength int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.releaseLen = newLength
	return nil
}
