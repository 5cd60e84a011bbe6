// Package wire defines the message catalogue exchanged between clients,
// storage nodes, and the metadata server, and the framing used to carry it
// over a stream connection.
package wire

// MessageType identifies the purpose of a frame, the same role the
// reference gateway's 8-byte handler identifier plays in front of an
// RPC's payload, generalized here to a compact numeric code so the
// catalogue of chunk-protocol messages below can grow without lengthening
// every frame's header.
type MessageType uint32

const (
	_ MessageType = iota

	// Block I/O against a storage node.
	MsgRead
	MsgReadData
	MsgReadStatus
	MsgWriteInit
	MsgWriteData
	MsgWriteEnd
	MsgWriteStatus

	// Node-to-metadata-server registration.
	MsgRegisterHost
	MsgRegisterChunks
	MsgRegisterSpace

	// Chunk lifecycle events a storage node reports to the metadata server.
	MsgChunkNew
	MsgChunkDamaged
	MsgChunkLost
	MsgChunkChecksum
	MsgChunksHealth

	// Client-facing filesystem operations.
	MsgFuseLookup
	MsgFuseGetAttr
	MsgFuseSetAttr
	MsgFuseReadDir
	MsgFuseMknod
	MsgFuseUnlink
	MsgFuseOpen
	MsgFuseRelease

	// Chunk part location/status lookup.
	MsgGetChunkBlocks
)

func (t MessageType) String() string {
	if s, ok := messageNames[t]; ok {
		return s
	}
	return "unknown message type"
}

var messageNames = map[MessageType]string{
	MsgRead:            "READ",
	MsgReadData:        "READ_DATA",
	MsgReadStatus:      "READ_STATUS",
	MsgWriteInit:       "WRITE_INIT",
	MsgWriteData:       "WRITE_DATA",
	MsgWriteEnd:        "WRITE_END",
	MsgWriteStatus:     "WRITE_STATUS",
	MsgRegisterHost:    "REGISTER_HOST",
	MsgRegisterChunks:  "REGISTER_CHUNKS",
	MsgRegisterSpace:   "REGISTER_SPACE",
	MsgChunkNew:        "CHUNK_NEW",
	MsgChunkDamaged:    "CHUNK_DAMAGED",
	MsgChunkLost:       "CHUNK_LOST",
	MsgChunkChecksum:   "CHUNK_CHECKSUM",
	MsgChunksHealth:    "CHUNKS_HEALTH",
	MsgFuseLookup:      "FUSE_LOOKUP",
	MsgFuseGetAttr:     "FUSE_GETATTR",
	MsgFuseSetAttr:     "FUSE_SETATTR",
	MsgFuseReadDir:     "FUSE_READDIR",
	MsgFuseMknod:       "FUSE_MKNOD",
	MsgFuseUnlink:      "FUSE_UNLINK",
	MsgFuseOpen:        "FUSE_OPEN",
	MsgFuseRelease:     "FUSE_RELEASE",
	MsgGetChunkBlocks:  "GET_CHUNK_BLOCKS",
}

// Status is a response status code, carried in every *_STATUS reply and in
// any message that can fail.
type Status uint8

const (
	StatusOK Status = iota
	StatusEPERM
	StatusENOTDIR
	StatusENOENT
	StatusEACCES
	StatusEEXIST
	StatusEINVAL
	StatusENOTEMPTY
	StatusChunkLost
	StatusOutOfMemory
	StatusIndexTooBig
	StatusLocked
	StatusNoChunkServers
	StatusNoSuchChunk
	StatusChunkIsBusy
	StatusWriteNotStarted
	StatusWrongVersion
	StatusChunkExists
	StatusNoSpace
	StatusIO
	StatusWrongBlockNumber
	StatusWrongSize
	StatusWrongOffset
	StatusCantConnect
	StatusDisconnected
	StatusCRC
	StatusDelayed
	StatusQuota
	StatusTimeout
)

var statusNames = map[Status]string{
	StatusOK:              "OK",
	StatusEPERM:           "EPERM",
	StatusENOTDIR:         "ENOTDIR",
	StatusENOENT:          "ENOENT",
	StatusEACCES:          "EACCES",
	StatusEEXIST:          "EEXIST",
	StatusEINVAL:          "EINVAL",
	StatusENOTEMPTY:       "ENOTEMPTY",
	StatusChunkLost:       "CHUNKLOST",
	StatusOutOfMemory:     "OUT_OF_MEMORY",
	StatusIndexTooBig:     "INDEX_TOO_BIG",
	StatusLocked:          "LOCKED",
	StatusNoChunkServers:  "NO_CHUNKSERVERS",
	StatusNoSuchChunk:     "NO_SUCH_CHUNK",
	StatusChunkIsBusy:     "CHUNK_IS_BUSY",
	StatusWriteNotStarted: "WRITE_NOT_STARTED",
	StatusWrongVersion:    "WRONG_VERSION",
	StatusChunkExists:     "CHUNK_EXISTS",
	StatusNoSpace:         "NOSPACE",
	StatusIO:              "IO",
	StatusWrongBlockNumber: "WRONG_BLOCK_NUMBER",
	StatusWrongSize:       "WRONG_SIZE",
	StatusWrongOffset:     "WRONG_OFFSET",
	StatusCantConnect:     "CANT_CONNECT",
	StatusDisconnected:    "DISCONNECTED",
	StatusCRC:             "CRC",
	StatusDelayed:         "DELAYED",
	StatusQuota:           "QUOTA",
	StatusTimeout:         "TIMEOUT",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN_STATUS"
}

// Err adapts a Status to the error interface, returning nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return statusError{s}
}

type statusError struct{ status Status }

func (e statusError) Error() string { return "wire: " + e.status.String() }

// AsStatus extracts the Status a statusError wraps, if err is one.
func AsStatus(err error) (Status, bool) {
	se, ok := err.(statusError)
	if !ok {
		return StatusOK, false
	}
	return se.status, true
}
