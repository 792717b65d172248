package log

import (
	"errors"
	"os"
	"sync"
)

var errFileClosed = errors.New("log file closed")

// RotatableFile writes to a log file that can be reopened by path, so an
// external rotator can move the current file away.
type RotatableFile struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	closed bool
}

func NewRotatableFile(f *os.File) *RotatableFile {
	return &RotatableFile{path: f.Name(), f: f}
}

func (r *RotatableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errFileClosed
	}
	return r.f.Write(p)
}

// Reopen opens the path again and closes the previous handle. Writes hold
// the same lock, so none of them lands on a closed handle.
func (r *RotatableFile) Reopen() error {
	nf, err := OpenFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = nf.Close()
		return errFileClosed
	}
	old := r.f
	r.f = nf
	r.mu.Unlock()

	return old.Close()
}

func (r *RotatableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
