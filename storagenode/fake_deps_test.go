package storagenode

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// memDependencies is an in-memory Dependencies implementation used by this
// package's tests, following the dependency-injection style the reference
// contract manager's tests use to exercise disk logic without touching a
// real filesystem.
type memDependencies struct {
	mu    sync.Mutex
	files map[string]*memFile
	now   time.Time
}

func newMemDependencies() *memDependencies {
	return &memDependencies{files: make(map[string]*memFile), now: time.Unix(0, 0)}
}

func (d *memDependencies) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[name]
	if !ok {
		if flag&os.O_CREATE == 0 {
			return nil, fmt.Errorf("memdeps: %s: no such file", name)
		}
		f = &memFile{}
		d.files[name] = f
	}
	if flag&os.O_TRUNC != 0 {
		f.data = nil
	}
	return f, nil
}

func (d *memDependencies) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[name]; !ok {
		return os.ErrNotExist
	}
	delete(d.files, name)
	return nil
}

func (d *memDependencies) Stat(path string) (total, free int64, err error) {
	return 0, 0, nil
}

func (d *memDependencies) Dial(network, address string, timeout time.Duration) (net.Conn, error) {
	return nil, fmt.Errorf("memdeps: dial not supported in this test")
}

func (d *memDependencies) Now() time.Time { return d.now }

func (d *memDependencies) advance(dur time.Duration) { d.now = d.now.Add(dur) }

// memFile is an in-memory stand-in for *os.File.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, fmt.Errorf("memfile: EOF")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], p)
	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) >= size {
		f.data = f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error { return nil }
