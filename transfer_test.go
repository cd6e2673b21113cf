//go:build linux

package opengse

import (
	"bytes"
	"io"
	"net/http/httputil"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gookit/goutil/testutil/assert"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/xyproto/randomstring"
	"golang.org/x/sys/unix"
)

type transferResult struct {
	out   []byte
	err   error
	calls int32
	task  *TransferTask
}

// runTransfer streams src over a socket with a small send buffer and
// returns what the peer received.
func runTransfer(t *testing.T, src io.Reader, opts ...TransferOption) transferResult {
	t.Helper()
	r := startReactor(t, ReactorConfig{WriteBufferSoftLimit: 4096})
	fd, peer := socketPair(t)
	assert.NoErr(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 8192))
	c, err := r.Register(fd, newTestCallback(nil), EventRead)
	assert.NoErr(t, err)

	received := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		b := make([]byte, 32*1024)
		for {
			n, err := unix.Read(peer, b)
			if n <= 0 || err != nil {
				break
			}
			buf.Write(b[:n])
		}
		received <- buf.Bytes()
	}()

	var res transferResult
	var calls atomic.Int32
	done := make(chan error, 2)
	tasks := make(chan *TransferTask, 1)
	c.Dispatch(func(c *Conn) {
		task := NewTransferTask(c, src, func(err error) {
			calls.Add(1)
			done <- err
		}, opts...)
		tasks <- task
		task.Start()
	})
	res.task = <-tasks
	res.err = waitErr(t, done)
	c.Close(nil)
	select {
	case res.out = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not see EOF")
	}
	time.Sleep(10 * time.Millisecond)
	res.calls = calls.Load()
	return res
}

type closeTracker struct {
	io.Reader
	closed atomic.Int32
}

func (c *closeTracker) Close() error {
	c.closed.Add(1)
	return nil
}

func TestTransferPlain(t *testing.T) {
	t.Parallel()
	payload := randomstring.HumanFriendlyString(1 << 20)
	src := &closeTracker{Reader: strings.NewReader(payload)}
	res := runTransfer(t, src)
	assert.NoErr(t, res.err)
	assert.Eq(t, int32(1), res.calls)
	assert.Eq(t, len(payload), len(res.out))
	assert.True(t, payload == string(res.out))
	assert.Eq(t, int64(len(payload)), res.task.BytesRead())
	assert.True(t, res.task.Completed())
	assert.Eq(t, int32(1), src.closed.Load())
}

func TestTransferEmptySource(t *testing.T) {
	t.Parallel()
	res := runTransfer(t, strings.NewReader(""), WithChunkedFraming())
	assert.NoErr(t, res.err)
	assert.Eq(t, "0\r\n\r\n", string(res.out))
}

func TestTransferChunked(t *testing.T) {
	t.Parallel()
	payload := randomstring.HumanFriendlyString(300*1024 + 17)
	res := runTransfer(t, strings.NewReader(payload), WithChunkedFraming())
	assert.NoErr(t, res.err)
	assert.True(t, bytes.HasSuffix(res.out, []byte("\r\n0\r\n\r\n")))
	body, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(res.out)))
	assert.NoErr(t, err)
	assert.True(t, payload == string(body))
}

type failingReader struct {
	left int
}

var errSourceBroken = errors.New("source broken")

func (f *failingReader) Read(p []byte) (int, error) {
	if f.left <= 0 {
		return 0, errSourceBroken
	}
	n := len(p)
	if n > f.left {
		n = f.left
	}
	for i := range p[:n] {
		p[i] = 'x'
	}
	f.left -= n
	return n, nil
}

func TestTransferSourceError(t *testing.T) {
	t.Parallel()
	res := runTransfer(t, &failingReader{left: 100 * 1024})
	assert.True(t, errors.Is(res.err, errSourceBroken))
	assert.Eq(t, int32(1), res.calls)
	assert.True(t, len(res.out) <= 100*1024)
}

type panicReader struct{}

func (panicReader) Read(p []byte) (int, error) { panic("reader exploded") }

func TestTransferSourcePanic(t *testing.T) {
	t.Parallel()
	res := runTransfer(t, panicReader{})
	assert.Err(t, res.err)
	assert.True(t, strings.Contains(res.err.Error(), "reader exploded"))
	assert.Eq(t, int32(1), res.calls)
}

type stuckReader struct{}

func (stuckReader) Read(p []byte) (int, error) { return 0, nil }

func TestTransferNoProgress(t *testing.T) {
	t.Parallel()
	res := runTransfer(t, stuckReader{})
	assert.True(t, errors.Is(res.err, io.ErrNoProgress))
	assert.Eq(t, int32(1), res.calls)
}

func TestTransferAbortedByClose(t *testing.T) {
	t.Parallel()
	r := startReactor(t, ReactorConfig{WriteBufferSoftLimit: 4096})
	fd, _ := socketPair(t)
	assert.NoErr(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
	c, err := r.Register(fd, newTestCallback(nil), EventRead)
	assert.NoErr(t, err)

	var calls atomic.Int32
	done := make(chan error, 2)
	started := make(chan *TransferTask, 1)
	src := &closeTracker{Reader: strings.NewReader(strings.Repeat("y", 4<<20))}
	c.Dispatch(func(c *Conn) {
		task := NewTransferTask(c, src, func(err error) {
			calls.Add(1)
			done <- err
		})
		task.Start()
		started <- task
	})
	task := <-started
	// the peer never reads, so the task must be parked on the connection
	assert.False(t, task.Completed())
	assert.False(t, c.Attached())

	cause := errors.New("client went away")
	c.Close(cause)
	assert.Eq(t, cause, waitErr(t, done))
	time.Sleep(20 * time.Millisecond)
	assert.Eq(t, int32(1), calls.Load())
	assert.Eq(t, int32(1), src.closed.Load())
	assert.True(t, task.Completed())
	assert.True(t, task.BytesRead() < int64(4<<20))
}

func TestTransferCompressed(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat(randomstring.HumanFriendlyString(1000), 200)
	decoders := map[CompressAlg]func(r io.Reader) (io.Reader, error){
		CompressGzip: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
		CompressDeflate: func(r io.Reader) (io.Reader, error) {
			return flate.NewReader(r), nil
		},
		CompressBrotli: func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
		CompressZstd: func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	}
	for alg, decode := range decoders {
		alg, decode := alg, decode
		t.Run(alg.String(), func(t *testing.T) {
			t.Parallel()
			res := runTransfer(t, strings.NewReader(payload), WithChunkedFraming(), WithCompress(alg))
			assert.NoErr(t, res.err)
			assert.True(t, len(res.out) < len(payload))
			framed := httputil.NewChunkedReader(bytes.NewReader(res.out))
			dr, err := decode(framed)
			assert.NoErr(t, err)
			body, err := io.ReadAll(dr)
			assert.NoErr(t, err)
			assert.True(t, payload == string(body))
		})
	}
}

func TestTransferRestoresBlockingMode(t *testing.T) {
	t.Parallel()
	r := startReactor(t, ReactorConfig{})
	fd, peer := socketPair(t)
	c, err := r.Register(fd, newTestCallback(nil), EventRead)
	assert.NoErr(t, err)
	done := make(chan error, 1)
	blocking := make(chan bool, 1)
	c.Dispatch(func(c *Conn) {
		c.SetBlocking(true)
		NewTransferTask(c, strings.NewReader("abc"), func(err error) { done <- err }).Start()
		blocking <- c.Blocking()
	})
	assert.NoErr(t, waitErr(t, done))
	assert.True(t, <-blocking)
	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	assert.NoErr(t, err)
	assert.Eq(t, "abc", string(buf[:n]))
}

func TestTransferStartOnce(t *testing.T) {
	t.Parallel()
	r := startReactor(t, ReactorConfig{})
	fd, peer := socketPair(t)
	c, err := r.Register(fd, newTestCallback(nil), EventRead)
	assert.NoErr(t, err)
	done := make(chan error, 2)
	again := make(chan error, 1)
	c.Dispatch(func(c *Conn) {
		task := NewTransferTask(c, strings.NewReader("once"), func(err error) { done <- err })
		_ = task.Start()
		again <- task.Start()
	})
	assert.NoErr(t, waitErr(t, done))
	assert.True(t, errors.Is(waitErr(t, again), ErrTransferClosed))
	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	assert.NoErr(t, err)
	assert.Eq(t, "once", string(buf[:n]))
	select {
	case <-done:
		t.Fatal("completion ran twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCompressAlgNames(t *testing.T) {
	t.Parallel()
	assert.Eq(t, "br", CompressBrotli.String())
	assert.Eq(t, "zstd", CompressZstd.String())
	assert.Eq(t, "", CompressAlg(42).String())
	assert.Eq(t, "pending", FlushPending.String())
}
