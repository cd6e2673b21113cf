package opengse

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	pool "github.com/newacorn/simple-bytes-pool"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// MinTransferChunk is the smallest read a TransferTask issues against its
// source, whatever the connection soft limit.
const MinTransferChunk = 8 * 1024

// maxEmptyReads bounds how often a source may return (0, nil) in a row.
const maxEmptyReads = 100

// TransferTask streams a byte source to a connection without holding a
// worker while the socket is not writable.
//
// The task runs on the attached worker until a flush would block, then
// parks itself on the connection with DetachThread and returns. The next
// writability resumes it, possibly on another worker. The completion
// callback runs exactly once, with nil or the first error.
type TransferTask struct {
	c          *Conn
	src        io.Reader
	onComplete func(err error)
	chunkSize  int

	chunked bool
	alg     CompressAlg
	enc     streamEncoder
	staging *bytebufferpool.ByteBuffer

	// owned by whichever goroutine is attached
	started     bool
	doneReading bool
	resumed     bool
	wasBlocking bool
	emptyReads  int
	read        int64

	mu        sync.Mutex
	completed bool
}

// TransferOption configures a TransferTask.
type TransferOption func(t *TransferTask)

// WithChunkedFraming frames the output with HTTP/1.1 chunked encoding.
func WithChunkedFraming() TransferOption {
	return func(t *TransferTask) { t.chunked = true }
}

// WithCompress encodes the output with alg before framing.
func WithCompress(alg CompressAlg) TransferOption {
	return func(t *TransferTask) { t.alg = alg }
}

// NewTransferTask prepares the transfer of src to c. If src is an io.Closer
// it is closed on completion.
func NewTransferTask(c *Conn, src io.Reader, onComplete func(err error), opts ...TransferOption) *TransferTask {
	t := &TransferTask{c: c, src: src, onComplete: onComplete}
	for _, o := range opts {
		o(t)
	}
	t.chunkSize = c.SoftLimit()
	if t.chunkSize < MinTransferChunk {
		t.chunkSize = MinTransferChunk
	}
	return t
}

// Start runs the task on the calling goroutine, which must be attached to
// the connection. It returns once the task completed or detached, and
// ErrTransferClosed if the task was started before.
func (t *TransferTask) Start() error {
	if t.started {
		return ErrTransferClosed
	}
	t.started = true
	t.wasBlocking = t.c.Blocking()
	t.c.SetBlocking(false)
	if t.alg != CompressNone {
		t.staging = bytebufferpool.Get()
		t.enc = acquireEncoder(t.alg, t.staging)
	}
	t.loop()
	return nil
}

// Resume continues after writability.
func (t *TransferTask) Resume(c *Conn) {
	t.resumed = true
	t.loop()
}

// Abort completes the task with err; used when the connection closed while
// the task was suspended.
func (t *TransferTask) Abort(c *Conn, err error) {
	t.resumed = true
	t.complete(err)
}

// Resumed reports whether the task left the goroutine that called Start.
// It is meant for the completion callback: false there means Start has not
// returned yet and its caller still owns the connection.
func (t *TransferTask) Resumed() bool {
	return t.resumed
}

// Completed reports whether the completion callback ran.
func (t *TransferTask) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// BytesRead returns the number of source bytes consumed.
func (t *TransferTask) BytesRead() int64 {
	return t.read
}

func (t *TransferTask) loop() {
	for !t.Completed() {
		if !t.doneReading && t.c.Buffered() < t.c.SoftLimit() {
			if err := t.readChunk(); err != nil {
				t.complete(err)
				return
			}
		}
		st, err := t.c.FlushAsync(t.doneReading)
		if err != nil {
			t.complete(err)
			return
		}
		switch st {
		case FlushPending:
			if err = t.c.DetachThread(t, EventWrite); err != nil {
				t.complete(err)
			}
			return
		case FlushComplete:
			if t.doneReading {
				t.complete(nil)
				return
			}
		case FlushDeferred:
			// keep reading
		}
	}
}

func (t *TransferTask) readChunk() (err error) {
	buf := pool.Get(t.chunkSize)
	defer pool.Put(buf)
	b := buf.B[:cap(buf.B)]
	if len(b) > t.chunkSize {
		b = b[:t.chunkSize]
	}
	n, err := t.readSource(b)
	if n > 0 {
		t.read += int64(n)
		t.emptyReads = 0
		if werr := t.emit(b[:n]); werr != nil {
			return werr
		}
	}
	switch {
	case err == io.EOF:
		t.doneReading = true
		return t.finish()
	case err != nil:
		return errors.Wrap(err, "read transfer source")
	case n == 0:
		t.emptyReads++
		if t.emptyReads >= maxEmptyReads {
			return io.ErrNoProgress
		}
	}
	return nil
}

func (t *TransferTask) readSource(b []byte) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			n, err = 0, fmt.Errorf("transfer source panicked: %v", p)
		}
	}()
	return t.src.Read(b)
}

func (t *TransferTask) emit(p []byte) error {
	if t.enc == nil {
		return t.emitRaw(p)
	}
	if _, err := t.enc.Write(p); err != nil {
		return errors.Wrap(err, "encode transfer chunk")
	}
	err := t.emitRaw(t.staging.B)
	t.staging.Reset()
	return err
}

// emitRaw frames p into the connection output.
func (t *TransferTask) emitRaw(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if t.chunked {
		var hdr [20]byte
		h := strconv.AppendUint(hdr[:0], uint64(len(p)), 16)
		h = append(h, '\r', '\n')
		if _, err := t.c.Write(h); err != nil {
			return err
		}
	}
	if _, err := t.c.Write(p); err != nil {
		return err
	}
	if t.chunked {
		_, err := t.c.WriteString("\r\n")
		return err
	}
	return nil
}

func (t *TransferTask) finish() error {
	if t.enc != nil {
		if err := t.enc.Close(); err != nil {
			return errors.Wrap(err, "close transfer encoder")
		}
		err := t.emitRaw(t.staging.B)
		t.staging.Reset()
		if err != nil {
			return err
		}
	}
	if t.chunked {
		_, err := t.c.WriteString("0\r\n\r\n")
		return err
	}
	return nil
}

func (t *TransferTask) complete(err error) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.mu.Unlock()

	if t.enc != nil {
		releaseEncoder(t.alg, t.enc)
		bytebufferpool.Put(t.staging)
		t.enc, t.staging = nil, nil
	}
	if cl, ok := t.src.(io.Closer); ok {
		_ = cl.Close()
	}
	t.c.SetBlocking(t.wasBlocking)
	if t.onComplete != nil {
		t.onComplete(err)
	}
}
