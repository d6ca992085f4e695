// Package transport implements a single-connection adapter with
// independent reader and writer execution contexts, a FIFO write queue,
// and a periodic idle-connection pruner. It depends on htcore only
// structurally — Adapter satisfies
// htcore.Transport and Driver is satisfied by *htcore.ConnectionDriver —
// so this package does not import htcore (htcore's Server imports it).
package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/badu/htcore/htlog"
	"github.com/badu/htcore/metrics"
)

// Driver is the subset of ConnectionDriver the Adapter's reader context
// and idle pruner need.
type Driver interface {
	Feed(data []byte) error
	ErrorOccurred() bool
	ResponseInFlight() bool
	KeepAliveDeadline() (time.Time, bool)
}

type writeRequest struct {
	data   []byte
	result chan error
}

// Adapter owns one net.Conn and two worker contexts: a reader that
// blocks on Read and feeds the driver, and a writer that drains a FIFO
// queue strictly in order. The open flag is read/written from both
// contexts and from the idle pruner, so it's guarded by mu.
type Adapter struct {
	conn    net.Conn
	driver  Driver
	logger  *htlog.Logger
	metrics *metrics.Registry

	writeCh chan writeRequest
	done    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	open   bool
}

// New wraps conn. Call SetDriver before Start (the driver and adapter
// typically construct each other's dependency, so this two-step wiring
// avoids a chicken-and-egg constructor).
func New(conn net.Conn, logger *htlog.Logger, reg *metrics.Registry) *Adapter {
	if logger == nil {
		logger = htlog.NewNop()
	}
	return &Adapter{
		conn:    conn,
		logger:  logger,
		metrics: reg,
		writeCh: make(chan writeRequest),
		done:    make(chan struct{}),
		open:    true,
	}
}

// SetDriver installs the ConnectionDriver this adapter feeds bytes into.
func (a *Adapter) SetDriver(d Driver) { a.driver = d }

// Start launches the reader and writer contexts and tracks the
// connection's opening in metrics. It returns immediately; the reader
// context runs until EOF, error, or Close.
func (a *Adapter) Start() {
	if a.metrics != nil {
		a.metrics.ConnectionOpened()
	}
	go a.writeLoop()
	go a.readLoop()
}

// QueueWrite enqueues p on the writer context and blocks until it has
// been fully written or failed — the writer context serializes writes
// strictly in FIFO order, so concurrent callers never interleave bytes.
func (a *Adapter) QueueWrite(p []byte) error {
	if !a.IsOpen() {
		return io.ErrClosedPipe
	}
	req := writeRequest{data: p, result: make(chan error, 1)}
	select {
	case a.writeCh <- req:
	case <-a.done:
		return io.ErrClosedPipe
	}
	select {
	case err := <-req.result:
		return err
	case <-a.done:
		return io.ErrClosedPipe
	}
}

// IsOpen reports whether the underlying stream is still active.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Close is a no-op unless the response has completed or the connection
// already errored; otherwise it defers to the caller's next Close once
// the in-flight response actually finishes. In practice ConnectionDriver
// only calls Close after a response completes or on error, so the
// deferral matters mainly for the idle pruner, which checks
// ResponseInFlight itself before ever calling Close.
func (a *Adapter) Close() error {
	if a.driver != nil && a.driver.ResponseInFlight() && !a.driver.ErrorOccurred() {
		return nil
	}
	return a.forceClose()
}

func (a *Adapter) forceClose() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.open = false
		a.mu.Unlock()
		close(a.done)
		err = a.conn.Close()
		if a.metrics != nil {
			a.metrics.ConnectionClosed()
		}
	})
	return err
}

func (a *Adapter) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			if ferr := a.driver.Feed(buf[:n]); ferr != nil {
				a.logger.Logf("htcore: protocol error from %s: %v", a.conn.RemoteAddr(), ferr)
				a.forceClose()
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if !a.driver.ResponseInFlight() {
					a.forceClose()
				}
			} else {
				a.logger.Logf("htcore: read error from %s: %v", a.conn.RemoteAddr(), err)
				a.forceClose()
			}
			return
		}
	}
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case req := <-a.writeCh:
			req.result <- a.writeAll(req.data)
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := a.conn.Write(p)
		if n > 0 {
			p = p[n:]
		}
		if err != nil {
			a.logger.Logf("htcore: write error to %s: %v", a.conn.RemoteAddr(), err)
			a.forceClose()
			return err
		}
	}
	return nil
}
