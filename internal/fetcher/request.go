package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"teddybox/internal/content"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a download request
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateReceiving
	StateFinished
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions will happen
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateAborted
}

var (
	ErrHTTPStatus   = errors.New("unexpected http status")
	ErrEmptyContent = errors.New("zero-length content")
	ErrAborted      = errors.New("download aborted")
	ErrQueueFull    = errors.New("download queue full")

	// ErrReleased is returned by ReadAt once the request has closed its file
	// handle; the reader must open the file itself from then on.
	ErrReleased = errors.New("download file handle released")
)

// Request is the handle to one resumable fetch of an asset into local
// storage. The request owns the file handle; readers borrow it through
// ReadAt under the same lock the writer uses.
type Request struct {
	ID         string
	Identity   content.Identity
	Location   string
	Auth       string
	Filename   string
	ResumeFrom int64

	state    atomic.Int32
	start    atomic.Int64 // file offset of the first byte of this transfer
	received atomic.Int64
	total    atomic.Int64 // expected final file size, -1 if unknown
	aborted  atomic.Bool

	lock *fileLock
	file *os.File // guarded by lock

	mutex  sync.Mutex
	notify chan struct{}
	cancel context.CancelFunc
	err    error
	done   chan struct{}

	logger *logrus.Entry
}

// NewRequest creates a request in the INIT state
func NewRequest(id content.Identity, token content.Token, filename string, resumeFrom int64, lockTimeout time.Duration, logger *logrus.Logger) *Request {
	r := &Request{
		ID:         uuid.New().String(),
		Identity:   id,
		Location:   id.Location(),
		Filename:   filename,
		ResumeFrom: resumeFrom,
		notify:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !token.IsZero() {
		r.Auth = token.Hex()
	}
	r.total.Store(-1)
	r.logger = logger.WithFields(logrus.Fields{
		"request":  r.ID,
		"identity": id,
	})
	r.lock = newFileLock(lockTimeout, r.logger)
	return r
}

// State returns the current state; reads are opportunistic
func (r *Request) State() State {
	return State(r.state.Load())
}

// Err returns the reason of an ERROR or ABORTED request
func (r *Request) Err() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.err
}

// Done is closed once the request reached a terminal state and released its
// file handle
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Updated returns a channel closed on the next progress or state change
func (r *Request) Updated() <-chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.notify
}

// Available returns the number of valid bytes in the file, counted from offset 0
func (r *Request) Available() int64 {
	return r.start.Load() + r.received.Load()
}

// Received returns the number of bytes received by this transfer
func (r *Request) Received() int64 {
	return r.received.Load()
}

// TotalLength returns the expected final file size, -1 while unknown
func (r *Request) TotalLength() int64 {
	return r.total.Load()
}

// Abort asks the transfer to stop. A request still waiting in the queue is
// terminated immediately; a running one is cancelled by the worker.
func (r *Request) Abort() {
	r.aborted.Store(true)

	if r.state.CompareAndSwap(int32(StateInit), int32(StateAborted)) {
		r.logger.Debug("Aborted queued download")
		r.complete(ErrAborted)
		return
	}

	r.mutex.Lock()
	cancel := r.cancel
	r.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the request is terminal or ctx is done
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadAt reads already received bytes. It never reads past the write cursor;
// a read at the cursor returns 0 bytes and no error while the transfer is
// running. Once the request is terminal ErrReleased is returned.
func (r *Request) ReadAt(p []byte, off int64) (int, error) {
	r.lock.acquire()
	defer r.lock.release()

	if r.file == nil {
		if r.State() == StateInit || r.State() == StateConnecting || r.State() == StateConnected {
			return 0, nil
		}
		return 0, ErrReleased
	}

	avail := r.Available() - off
	if avail <= 0 {
		return 0, nil
	}
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	n, err := r.file.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// signal wakes everybody waiting on Updated
func (r *Request) signal() {
	r.mutex.Lock()
	close(r.notify)
	r.notify = make(chan struct{})
	r.mutex.Unlock()
}

// transition moves from one state to another unless the request was aborted
func (r *Request) transition(from, to State) bool {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	r.signal()
	return true
}

func (r *Request) setCancel(cancel context.CancelFunc) {
	r.mutex.Lock()
	r.cancel = cancel
	r.mutex.Unlock()
}

// attach hands the opened file to the request
func (r *Request) attach(f *os.File, start, total int64) {
	r.lock.acquire()
	r.file = f
	r.start.Store(start)
	r.received.Store(0)
	r.lock.release()
	r.total.Store(total)
}

// write appends one chunk at the write cursor under the file lock
func (r *Request) write(chunk []byte) error {
	r.lock.acquire()
	n, err := r.file.WriteAt(chunk, r.Available())
	r.received.Add(int64(n))
	r.lock.release()

	r.signal()
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// finish moves the request into a terminal state, releases the file handle
// and wakes every waiter
func (r *Request) finish(s State, err error) {
	r.release(s)
	r.complete(err)
}

// release closes the file handle and stores the terminal state
func (r *Request) release(s State) {
	r.lock.acquire()
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close download file")
		}
		r.file = nil
	}
	r.lock.release()

	r.state.Store(int32(s))
}

func (r *Request) complete(err error) {
	r.mutex.Lock()
	r.err = err
	r.cancel = nil
	close(r.notify)
	r.notify = make(chan struct{})
	r.mutex.Unlock()
	close(r.done)
}
