package opengse

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// ConnCallback receives readiness of a connection that has no suspended
// continuation. Methods run on the reactor goroutine and must not block;
// a returned error closes the connection.
type ConnCallback interface {
	OnReadable(c *Conn) error
	OnWritable(c *Conn) error
	// OnClosed is called exactly once per connection.
	OnClosed(c *Conn, err error)
}

// Continuation is a suspended operation parked on a connection by
// DetachThread. Exactly one of Resume or Abort is called, on a worker.
type Continuation interface {
	Resume(c *Conn)
	Abort(c *Conn, err error)
}

// FlushStatus is the outcome of Conn.FlushAsync.
type FlushStatus int

const (
	// FlushComplete means every buffered byte reached the socket.
	FlushComplete FlushStatus = iota
	// FlushPending means a write was initiated and the rest waits for
	// writability; the caller must detach, not spin.
	FlushPending
	// FlushDeferred means no write was initiated; the output stays buffered
	// and the caller may keep producing.
	FlushDeferred
)

func (s FlushStatus) String() string {
	switch s {
	case FlushComplete:
		return "complete"
	case FlushPending:
		return "pending"
	case FlushDeferred:
		return "deferred"
	}
	return "unknown"
}

var (
	inputPool  bytebufferpool.Pool
	outputPool bytebufferpool.Pool
)

// Conn is a socket owned by a Reactor.
//
// At most one goroutine is attached to a Conn at a time. The attached worker
// owns the buffers; every syscall on the descriptor happens under mu after
// checking closed, so a closed descriptor number is never reused by mistake.
type Conn struct {
	id        uint64
	fd        int
	r         *Reactor
	cb        ConnCallback
	softLimit int
	createdAt int64

	mu       sync.Mutex
	in       *bytebufferpool.ByteBuffer
	out      *bytebufferpool.ByteBuffer
	sent     int
	blocking bool
	attached bool
	// bumped on every claim so a goroutine that handed the conn over
	// cannot end the step of its successor
	epoch    uint64
	closed   bool
	closeErr error
	pending  Continuation
	timer    *Timer
	value    any
}

func newConn(r *Reactor, fd int, cb ConnCallback) *Conn {
	return &Conn{
		id:        r.connID.Add(1),
		fd:        fd,
		r:         r,
		cb:        cb,
		softLimit: r.softLimit(),
		createdAt: absoluteNano(),
		in:        inputPool.Get(),
		out:       outputPool.Get(),
	}
}

// ID returns the reactor-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Fd returns the socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// Reactor returns the owning reactor.
func (c *Conn) Reactor() *Reactor { return c.r }

// SoftLimit returns the output size above which producers should flush.
func (c *Conn) SoftLimit() int { return c.softLimit }

// ConnTime returns the time the connection was registered.
func (c *Conn) ConnTime() time.Time { return absoluteToUTC(c.createdAt) }

// SetValue stores owner data on the connection.
func (c *Conn) SetValue(v any) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// Value returns the data stored by SetValue.
func (c *Conn) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Closed reports whether Close was called, and with which cause.
func (c *Conn) Closed() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeErr
}

// Attached reports whether a goroutine currently owns the connection.
func (c *Conn) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// Blocking reports whether FlushAsync drains synchronously.
func (c *Conn) Blocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocking
}

// SetBlocking switches between synchronous and asynchronous flushing.
func (c *Conn) SetBlocking(b bool) {
	c.mu.Lock()
	c.blocking = b
	c.mu.Unlock()
}

// Dispatch claims the connection and runs fn on a worker. It returns false
// when the connection is closed or already attached.
func (c *Conn) Dispatch(fn func(c *Conn)) bool {
	c.mu.Lock()
	if c.closed || c.attached {
		c.mu.Unlock()
		return false
	}
	c.attached = true
	c.epoch++
	e := c.epoch
	c.mu.Unlock()
	if !c.r.Submit(func() { c.run(fn, e) }) {
		c.Close(ErrReactorClosed)
		c.endStep(e)
		return false
	}
	return true
}

// Arm gives up the attachment and asks for the next readiness in ev to be
// delivered to the ConnCallback.
func (c *Conn) Arm(ev Interest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.detachClosedLocked()
		return ErrConnClosed
	}
	c.attached = false
	return c.r.poller.rearm(c.fd, ev)
}

// DetachThread suspends k until the socket is ready for interest.
//
// It must be called by the attached worker, which gives up the connection
// and returns without blocking; the next readiness submits k.Resume to the
// worker pool. If the connection closes first, k.Abort runs instead.
func (c *Conn) DetachThread(k Continuation, interest Interest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.detachClosedLocked()
		return ErrConnClosed
	}
	if !c.attached {
		return ErrNotAttached
	}
	if c.pending != nil {
		return errors.Wrap(ErrIllegalState, "continuation already pending")
	}
	c.pending = k
	c.attached = false
	if err := c.r.poller.rearm(c.fd, interest); err != nil {
		c.pending = nil
		c.attached = true
		return err
	}
	return nil
}

// CloseAfter closes the connection with cause unless readiness arrives
// within d. Only one such deadline is kept.
func (c *Conn) CloseAfter(d time.Duration, cause error) {
	t := c.r.schedule(d, func() { c.Close(cause) }, c)
	c.mu.Lock()
	old := c.timer
	c.timer = t
	closed := c.closed
	c.mu.Unlock()
	if old != nil {
		c.r.Cancel(old)
	}
	if closed {
		c.r.Cancel(t)
	}
}

// ready is called by the reactor goroutine.
func (c *Conn) ready(ev Interest) error {
	c.mu.Lock()
	if c.closed || c.attached {
		c.mu.Unlock()
		return nil
	}
	t := c.timer
	c.timer = nil
	k := c.pending
	var e uint64
	if k != nil {
		c.pending = nil
		c.attached = true
		c.epoch++
		e = c.epoch
	}
	c.mu.Unlock()
	if t != nil {
		c.r.Cancel(t)
	}

	if k != nil {
		if !c.r.Submit(func() { c.run(k.Resume, e) }) {
			c.Close(ErrReactorClosed)
			k.Abort(c, ErrReactorClosed)
			c.endStep(e)
		}
		return nil
	}
	if ev&(EventRead|EventWrite) == 0 {
		return errors.Wrap(ErrConnClosed, "peer hang-up")
	}
	if ev&EventRead != 0 {
		if err := c.cb.OnReadable(c); err != nil {
			return err
		}
	}
	if ev&EventWrite != 0 {
		return c.cb.OnWritable(c)
	}
	return nil
}

// run executes fn as the attached goroutine of claim e. A panic in fn
// closes the connection.
func (c *Conn) run(fn func(c *Conn), e uint64) {
	defer c.endStep(e)
	defer func() {
		if r := recover(); r != nil {
			c.r.logger.Error().Interface("panic", r).Uint64("conn", c.id).Msg("connection step panicked")
			c.Close(errors.Errorf("opengse: connection step panicked: %v", r))
		}
	}()
	fn(c)
}

// endStep releases buffers when the goroutine of claim e leaves a closed conn
// it still owns.
func (c *Conn) endStep(e uint64) {
	c.mu.Lock()
	if c.closed && c.attached && c.epoch == e {
		c.detachClosedLocked()
	}
	c.mu.Unlock()
}

func (c *Conn) detachClosedLocked() {
	c.attached = false
	c.releaseBuffersLocked()
}

func (c *Conn) releaseBuffersLocked() {
	if c.in != nil {
		inputPool.Put(c.in)
		c.in = nil
	}
	if c.out != nil {
		outputPool.Put(c.out)
		c.out = nil
	}
}

// release closes a conn that never made it into the reactor.
func (c *Conn) release() {
	c.mu.Lock()
	c.closed = true
	_ = sysClose(c.fd)
	c.releaseBuffersLocked()
	c.mu.Unlock()
}

// Close unregisters and closes the socket. A suspended continuation is
// aborted with cause on a worker. Close is idempotent.
func (c *Conn) Close(cause error) {
	c.close(cause, false)
}

// CloseDetached is like Close but leaves a connection alone while a
// goroutine is attached to it. It reports whether it closed the connection.
func (c *Conn) CloseDetached(cause error) bool {
	return c.close(cause, true)
}

func (c *Conn) close(cause error, onlyDetached bool) bool {
	if cause == nil {
		cause = ErrConnClosed
	}
	c.mu.Lock()
	if c.closed || (onlyDetached && c.attached) {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeErr = cause
	k := c.pending
	c.pending = nil
	t := c.timer
	c.timer = nil
	c.r.forget(c)
	if err := sysClose(c.fd); err != nil {
		c.r.logger.Debug().Err(err).Uint64("conn", c.id).Msg("close socket")
	}
	if !c.attached {
		c.releaseBuffersLocked()
	}
	c.mu.Unlock()

	if t != nil {
		c.r.Cancel(t)
	}
	c.cb.OnClosed(c, cause)
	if k != nil && !c.r.Submit(func() { k.Abort(c, cause) }) {
		k.Abort(c, cause)
	}
	return true
}

// Fill reads what the socket has available into the input buffer, up to
// max buffered bytes. It returns io.EOF once the peer closed its side.
func (c *Conn) Fill(max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrConnClosed
	}
	total := 0
	for len(c.in.B) < max {
		b := c.in.B
		if cap(b)-len(b) < 4096 {
			nb := make([]byte, len(b), 2*cap(b)+4096)
			copy(nb, b)
			b = nb
		}
		room := cap(b) - len(b)
		if len(b)+room > max {
			room = max - len(b)
		}
		n, err := sysRead(c.fd, b[len(b):len(b)+room])
		c.in.B = b[:len(b)+n]
		total += n
		if err != nil {
			if isWouldBlock(err) {
				return total, nil
			}
			return total, errors.Wrap(err, "read")
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// Input returns the unconsumed input. Only the attached goroutine may call it.
func (c *Conn) Input() []byte {
	if c.in == nil {
		return nil
	}
	return c.in.B
}

// Consume drops the first n input bytes.
func (c *Conn) Consume(n int) {
	if c.in == nil {
		return
	}
	b := c.in.B
	if n >= len(b) {
		c.in.B = b[:0]
		return
	}
	m := copy(b, b[n:])
	c.in.B = b[:m]
}

// Write appends p to the output buffer. Nothing reaches the socket until
// FlushAsync.
func (c *Conn) Write(p []byte) (int, error) {
	if c.out == nil {
		return 0, ErrConnClosed
	}
	return c.out.Write(p)
}

// WriteString is like Write.
func (c *Conn) WriteString(s string) (int, error) {
	if c.out == nil {
		return 0, ErrConnClosed
	}
	return c.out.WriteString(s)
}

// Buffered returns the number of output bytes not yet written.
func (c *Conn) Buffered() int {
	if c.out == nil {
		return 0
	}
	return len(c.out.B) - c.sent
}

// FlushAsync writes buffered output. Below the soft limit a non-final flush
// is deferred. In blocking mode it drains synchronously and never reports
// FlushPending.
func (c *Conn) FlushAsync(final bool) (FlushStatus, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return FlushComplete, ErrConnClosed
	}
	left := len(c.out.B) - c.sent
	if left == 0 {
		c.mu.Unlock()
		return FlushComplete, nil
	}
	if !final && left < c.softLimit {
		c.mu.Unlock()
		return FlushDeferred, nil
	}
	if c.blocking {
		c.mu.Unlock()
		return c.flushBlocking()
	}
	defer c.mu.Unlock()
	written, err := c.writeLocked()
	if err != nil {
		if isWouldBlock(err) {
			return FlushPending, nil
		}
		return FlushComplete, err
	}
	if written == 0 && c.sent < len(c.out.B) {
		return FlushPending, nil
	}
	return FlushComplete, nil
}

func (c *Conn) writeLocked() (int, error) {
	total := 0
	for c.sent < len(c.out.B) {
		n, err := sysWrite(c.fd, c.out.B[c.sent:])
		c.sent += n
		total += n
		if err != nil {
			if !isWouldBlock(err) {
				err = errors.Wrap(err, "write")
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	c.out.Reset()
	c.sent = 0
	return total, nil
}

func (c *Conn) flushBlocking() (FlushStatus, error) {
	deadline := absoluteNano() + int64(c.r.writeTimeout())
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return FlushComplete, ErrConnClosed
		}
		_, err := c.writeLocked()
		done := c.sent == 0 && len(c.out.B) == 0
		c.mu.Unlock()
		if err != nil && !isWouldBlock(err) {
			return FlushComplete, err
		}
		if done {
			return FlushComplete, nil
		}
		now := absoluteNano()
		if now >= deadline {
			return FlushComplete, ErrWriteTimeout
		}
		// the descriptor may be closed meanwhile; the next iteration notices
		if err = sysWaitWritable(c.fd, untilMillis(deadline, now)); err != nil {
			return FlushComplete, err
		}
	}
}
