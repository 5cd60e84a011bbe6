package storagenode

import (
	"net"
	"os"
	"time"
)

// Dependencies abstracts every external interaction the storage node makes
// so that failure-injection tests can exercise recovery paths without real
// disks or sockets, following the small-interface dependency-injection
// pattern the reference contract manager uses throughout its package.
type Dependencies interface {
	// OpenFile opens or creates a chunk part file.
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	// Remove deletes a chunk part file.
	Remove(name string) error
	// Stat reports disk usage for the folder at path.
	Stat(path string) (total, free int64, err error)
	// Dial opens a non-blocking TCP connection to a peer storage node, used
	// by the replication worker's step 1.
	Dial(network, address string, timeout time.Duration) (net.Conn, error)
	// Now returns the current time, abstracted so stats buffers and
	// timeouts can be driven deterministically in tests.
	Now() time.Time
}

// File is the subset of *os.File the chunk file layer needs.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// ProductionDependencies is the real Dependencies implementation, used
// outside of tests.
type ProductionDependencies struct{}

func (ProductionDependencies) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (ProductionDependencies) Remove(name string) error { return os.Remove(name) }

func (ProductionDependencies) Stat(path string) (total, free int64, err error) {
	// Real free-space accounting is platform-specific (statfs); the
	// production dependency set does not query the filesystem and reports
	// zero total and zero free bytes. A folder's capacity comes from the
	// byte count given to NewFolder.
	return 0, 0, nil
}

func (ProductionDependencies) Dial(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

func (ProductionDependencies) Now() time.Time { return time.Now() }
