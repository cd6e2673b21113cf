package opengse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/tcplisten"
	"golang.org/x/net/netutil"
)

const (
	// DefaultSessionCookieName is the session cookie used when
	// Server.SessionCookieName is empty.
	DefaultSessionCookieName = "JSESSIONID"
	// DefaultMaxRequestSize bounds request header plus body.
	DefaultMaxRequestSize = 4 * 1024 * 1024
	defaultIdleTimeout    = 90 * time.Second
	maxHeaderBytes        = 16 * 1024
)

// Server serves HTTP/1.1 on a Reactor, routing requests through Router.
//
// It is safe to call Serve from multiple goroutines on different listeners.
// All of them share one reactor.
type Server struct {
	// Router selects handlers. Required.
	Router *Router

	// Sessions enables RequestCtx.Session. Optional.
	Sessions *SessionCache

	// Name is sent in the Server response header unless a handler set one.
	Name string

	// Concurrency is the maximum number of worker goroutines.
	//
	// Default is 256.
	Concurrency int

	// MaxIdleWorkerDuration stops workers idle for longer.
	//
	// Default is 10s.
	MaxIdleWorkerDuration time.Duration

	// IdleTimeout closes keep-alive connections waiting for the next
	// request longer than this.
	//
	// Default is 90s.
	IdleTimeout time.Duration

	// WriteTimeout bounds blocking-mode flushes.
	WriteTimeout time.Duration

	// MaxRequestSize bounds request header plus body.
	//
	// Default is DefaultMaxRequestSize.
	MaxRequestSize int

	// WriteBufferSoftLimit is the per-connection output size above which
	// streaming responses flush.
	WriteBufferSoftLimit int

	// ReusePort enables SO_REUSEPORT in ListenAndServe.
	ReusePort bool

	// MaxConns limits simultaneously open connections per listener.
	// Zero means no limit.
	MaxConns int

	// SessionCookieName defaults to DefaultSessionCookieName.
	SessionCookieName string

	Logger *zerolog.Logger

	logger *zerolog.Logger

	mu      sync.Mutex
	ln      []net.Listener
	reactor *Reactor

	stop  atomic.Bool
	reqID atomic.Uint64
	open  atomic.Int32
}

// ListenAndServe serves on the TCP4 address addr.
func (s *Server) ListenAndServe(addr string) error {
	cfg := tcplisten.Config{
		ReusePort:   s.ReusePort,
		DeferAccept: true,
	}
	ln, err := cfg.NewListener("tcp4", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ln)
}

func (s *Server) getReactor() (*Reactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactor != nil {
		return s.reactor, nil
	}
	if s.Router == nil {
		return nil, errors.Wrap(ErrIllegalState, "Server.Router is nil")
	}
	if s.logger == nil {
		s.logger = loggerOrDefault(s.Logger)
	}
	r, err := NewReactor(ReactorConfig{
		Workers:               s.Concurrency,
		MaxIdleWorkerDuration: s.MaxIdleWorkerDuration,
		WriteBufferSoftLimit:  s.WriteBufferSoftLimit,
		WriteTimeout:          s.WriteTimeout,
		Logger:                s.logger,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := r.Run(); err != nil {
			s.logger.Error().Err(err).Msg("reactor stopped")
		}
	}()
	s.reactor = r
	return r, nil
}

// Serve accepts connections from ln and hands them to the reactor. It
// returns nil once ln is closed by Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	r, err := s.getReactor()
	if err != nil {
		return err
	}
	if s.Sessions != nil {
		if ta, ok := ln.Addr().(*net.TCPAddr); ok {
			if err := s.Sessions.SetServerIDExt(uint32(ta.Port)); err != nil {
				s.logger.Warn().Err(err).Msg("keeping session server id")
			}
		}
	}
	var raw *rawListener
	if s.MaxConns > 0 {
		raw = &rawListener{Listener: ln}
		ln = netutil.LimitListener(raw, s.MaxConns)
	}
	s.mu.Lock()
	s.ln = append(s.ln, ln)
	s.mu.Unlock()

	var lastTempErrorTime time.Time
	for {
		nc, err := ln.Accept()
		if err != nil {
			//goland:noinspection GoTypeAssertionOnErrors
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Since(lastTempErrorTime) > time.Minute {
					s.logger.Warn().Err(err).Msg("timeout accepting connections")
					lastTempErrorTime = time.Now()
				}
				time.Sleep(time.Second)
				continue
			}
			if s.stop.Load() || errors.Is(err, net.ErrClosed) || err == io.EOF {
				return nil
			}
			s.logger.Error().Err(err).Msg("permanent error accepting connections")
			return err
		}
		sc := nc
		if raw != nil {
			sc, raw.last = raw.last, nil
		}
		if err = s.register(r, nc, sc); err != nil {
			s.logger.Warn().Err(err).Stringer("remote", nc.RemoteAddr()).Msg("cannot serve connection")
			_ = nc.Close()
		}
	}
}

// rawListener keeps the concrete conn that a wrapping listener such as
// netutil.LimitListener hides. Only the Serve goroutine accepts from it.
type rawListener struct {
	net.Listener
	last net.Conn
}

func (l *rawListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	l.last = c
	return c, err
}

// register moves the socket of raw onto the reactor. nc is the conn as
// accepted, possibly wrapping raw; it stays open until the reactor
// connection closes so listener limits keep counting it.
func (s *Server) register(r *Reactor, nc, raw net.Conn) error {
	sc, ok := raw.(syscall.Conn)
	if !ok {
		return errors.Errorf("unsupported connection type %T", raw)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "raw conn")
	}
	fd, err := sysTakeFd(rc)
	if err != nil {
		return err
	}
	hc := &httpConn{s: s, nc: nc}
	s.open.Add(1)
	if _, err = r.Register(fd, hc, EventRead); err != nil {
		s.open.Add(-1)
		return err
	}
	return nil
}

// Shutdown stops accepting, waits for in-flight requests and closes every
// connection.
func (s *Server) Shutdown() error {
	return s.ShutdownWithContext(context.Background())
}

// ShutdownWithContext is like Shutdown but stops waiting for busy
// connections once ctx is done; they are closed regardless.
func (s *Server) ShutdownWithContext(ctx context.Context) (err error) {
	s.mu.Lock()
	s.stop.Store(true)
	lns := s.ln
	s.ln = nil
	r := s.reactor
	s.mu.Unlock()

	for _, ln := range lns {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if r == nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
END:
	for {
		s.closeIdleConns(r)
		if s.open.Load() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break END
		case <-ticker.C:
		}
	}
	r.Shutdown()
	return err
}

func (s *Server) closeIdleConns(r *Reactor) {
	r.conns.Range(func(_ int, c *Conn) bool {
		// a conn just claimed by a new request is attached and left to finish
		if hc, ok := c.cb.(*httpConn); ok && hc.idle.Load() {
			c.CloseDetached(ErrReactorClosed)
		}
		return true
	})
}

// OpenConns returns the number of connections being served.
func (s *Server) OpenConns() int {
	return int(s.open.Load())
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) maxRequestSize() int {
	if s.MaxRequestSize <= 0 {
		return DefaultMaxRequestSize
	}
	return s.MaxRequestSize
}

func (s *Server) sessionCookieName() string {
	if s.SessionCookieName == "" {
		return DefaultSessionCookieName
	}
	return s.SessionCookieName
}

var errIncompleteRequest = errors.New("incomplete request")

var headerReaderPool = sync.Pool{
	New: func() any { return bufio.NewReaderSize(nil, maxHeaderBytes) },
}

// httpConn is the ConnCallback of one HTTP connection. While waiting for
// the next request it is also the suspended Continuation.
type httpConn struct {
	s    *Server
	nc   net.Conn
	idle atomic.Bool
	reqs uint64
}

func (hc *httpConn) OnReadable(c *Conn) error {
	if !c.Dispatch(hc.serve) {
		return errors.Wrap(ErrIllegalState, "readable while attached")
	}
	return nil
}

func (hc *httpConn) OnWritable(c *Conn) error {
	return c.Arm(EventRead)
}

func (hc *httpConn) OnClosed(c *Conn, err error) {
	hc.s.logger.Debug().Err(err).Uint64("conn", c.ID()).Uint64("requests", hc.reqs).Msg("connection closed")
	_ = hc.nc.Close()
	hc.s.open.Add(-1)
}

// Resume continues once the next request bytes are readable.
func (hc *httpConn) Resume(c *Conn) {
	hc.idle.Store(false)
	hc.serve(c)
}

func (hc *httpConn) Abort(c *Conn, err error) {}

// serve runs on the attached worker, handling requests until the input
// runs dry or the connection goes away.
func (hc *httpConn) serve(c *Conn) {
	for {
		_, err := c.Fill(hc.s.maxRequestSize() + 1)
		eof := err == io.EOF
		if err != nil && !eof {
			c.Close(err)
			return
		}
		ctx := acquireCtx(hc.s, hc, c)
		n, perr := hc.parse(ctx, c.Input())
		switch {
		case perr == errIncompleteRequest:
			releaseCtx(ctx)
			if eof {
				c.Close(io.EOF)
				return
			}
			if len(c.Input()) > hc.s.maxRequestSize() {
				hc.reject(c, fasthttp.StatusRequestEntityTooLarge, ErrRequestTooLarge)
				return
			}
			hc.waitRequest(c)
			return
		case perr != nil:
			releaseCtx(ctx)
			hc.reject(c, statusForParseError(perr), perr)
			return
		}
		c.Consume(n)
		hc.reqs++
		if !hc.handle(c, ctx) {
			return
		}
	}
}

func (hc *httpConn) waitRequest(c *Conn) {
	c.CloseAfter(hc.s.idleTimeout(), ErrIdleTimeout)
	hc.idle.Store(true)
	if err := c.DetachThread(hc, EventRead); err != nil {
		hc.idle.Store(false)
		c.Close(err)
	}
}

func statusForParseError(err error) int {
	switch {
	case errors.Is(err, ErrChunkedNotAllowed):
		return fasthttp.StatusLengthRequired
	case errors.Is(err, ErrRequestTooLarge):
		return fasthttp.StatusRequestEntityTooLarge
	case errors.Is(err, bufio.ErrBufferFull):
		return fasthttp.StatusRequestHeaderFieldsTooLarge
	}
	return fasthttp.StatusBadRequest
}

// parse decodes one request from in into ctx and returns its length.
func (hc *httpConn) parse(ctx *RequestCtx, in []byte) (int, error) {
	end := bytes.Index(in, []byte("\r\n\r\n"))
	if end < 0 {
		if len(in) > maxHeaderBytes {
			return 0, bufio.ErrBufferFull
		}
		return 0, errIncompleteRequest
	}
	hdrLen := end + 4
	if hdrLen > maxHeaderBytes {
		return 0, bufio.ErrBufferFull
	}
	br := headerReaderPool.Get().(*bufio.Reader)
	br.Reset(bytes.NewReader(in[:hdrLen]))
	err := ctx.Request.Header.Read(br)
	br.Reset(nil)
	headerReaderPool.Put(br)
	if err != nil {
		return 0, errors.Wrap(err, "parse request header")
	}
	cl := ctx.Request.Header.ContentLength()
	switch {
	case cl == -1:
		return 0, ErrChunkedNotAllowed
	case cl < 0:
		cl = 0
	}
	if hdrLen+cl > hc.s.maxRequestSize() {
		return 0, errors.Wrapf(ErrRequestTooLarge, "content length %d", cl)
	}
	if len(in) < hdrLen+cl {
		return 0, errIncompleteRequest
	}
	if cl > 0 {
		ctx.Request.SetBody(in[hdrLen : hdrLen+cl])
	}
	return hdrLen + cl, nil
}

func (hc *httpConn) reject(c *Conn, status int, cause error) {
	hc.s.logger.Info().Err(cause).Uint64("conn", c.ID()).Int("status", status).Msg("rejecting request")
	var resp fasthttp.Response
	resp.SetStatusCode(status)
	resp.SetConnectionClose()
	resp.SetBodyString(fasthttp.StatusMessage(status))
	hc.respond(c, &resp, false)
}

// handle routes ctx and writes its response. It reports whether the
// caller may read the next request.
func (hc *httpConn) handle(c *Conn, ctx *RequestCtx) bool {
	s := hc.s
	path := string(ctx.Path())
	if err := ctx.dispatch(DispatchDirect, path); err != nil {
		s.logger.Warn().Err(err).Uint64("req", ctx.id).Str("path", path).Msg("handler failed")
		ctx.err = err
		ctx.dropStream()
		ctx.Response.Reset()
		if err = ctx.dispatch(DispatchError, path); err != nil {
			s.logger.Error().Err(err).Uint64("req", ctx.id).Msg("error handler failed")
			_ = ErrorHandler(ctx)
		}
	}
	keepAlive := !s.stop.Load() && !ctx.Request.Header.ConnectionClose() && !ctx.Response.ConnectionClose()
	if !keepAlive {
		ctx.Response.SetConnectionClose()
	}
	if s.Name != "" && len(ctx.Response.Header.Server()) == 0 {
		ctx.Response.Header.SetServer(s.Name)
	}
	if ctx.Request.Header.IsHead() {
		ctx.Response.SkipBody = true
		if st := ctx.stream; st != nil && st.alg == CompressNone && st.size >= 0 {
			ctx.Response.Header.SetContentLength(st.size)
		}
		ctx.dropStream()
	}

	if st := ctx.stream; st != nil {
		ctx.stream = nil
		ctx.Response.Header.SetContentLength(st.size)
		if st.alg != CompressNone {
			ctx.Response.Header.SetContentEncoding(st.alg.String())
			ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
		}
		_, err := ctx.Response.Header.WriteTo(c)
		releaseCtx(ctx)
		if err != nil {
			c.Close(err)
			return false
		}
		return hc.stream(c, st, keepAlive)
	}
	ok := hc.respond(c, &ctx.Response, keepAlive)
	releaseCtx(ctx)
	return ok
}

func (hc *httpConn) respond(c *Conn, resp *fasthttp.Response, keepAlive bool) bool {
	if _, err := resp.WriteTo(c); err != nil {
		c.Close(err)
		return false
	}
	return hc.flush(c, keepAlive)
}

func (hc *httpConn) flush(c *Conn, keepAlive bool) bool {
	st, err := c.FlushAsync(true)
	if err != nil {
		c.Close(err)
		return false
	}
	if st == FlushPending {
		if err = c.DetachThread(&flushResume{hc: hc, keepAlive: keepAlive}, EventWrite); err != nil {
			c.Close(err)
		}
		return false
	}
	return hc.finish(c, nil, keepAlive)
}

func (hc *httpConn) finish(c *Conn, err error, keepAlive bool) bool {
	if err != nil {
		c.Close(err)
		return false
	}
	if !keepAlive {
		c.Close(nil)
		return false
	}
	return true
}

// stream starts a TransferTask for st. When the task completes before
// Start returns, the caller keeps serving; otherwise the completion does.
func (hc *httpConn) stream(c *Conn, st *responseStream, keepAlive bool) bool {
	var opts []TransferOption
	if st.size < 0 {
		opts = append(opts, WithChunkedFraming())
	}
	if st.alg != CompressNone {
		opts = append(opts, WithCompress(st.alg))
	}
	var (
		t      *TransferTask
		inline bool
		result error
	)
	t = NewTransferTask(c, st.src, func(err error) {
		if err != nil && !isConnGone(err) {
			hc.s.logger.Warn().Err(err).Uint64("conn", c.ID()).Msg("response stream failed")
		}
		if !t.Resumed() {
			inline, result = true, err
			return
		}
		if hc.finish(c, err, keepAlive) {
			hc.serve(c)
		}
	}, opts...)
	if err := t.Start(); err != nil {
		c.Close(err)
		return false
	}
	if !inline {
		return false
	}
	return hc.finish(c, result, keepAlive)
}

func isConnGone(err error) bool {
	return errors.Is(err, ErrConnClosed) || errors.Is(err, ErrReactorClosed) ||
		strings.Contains(err.Error(), "broken pipe") || strings.Contains(err.Error(), "connection reset")
}

// flushResume finishes a response whose flush had to wait for writability.
type flushResume struct {
	hc        *httpConn
	keepAlive bool
}

func (f *flushResume) Resume(c *Conn) {
	if f.hc.flush(c, f.keepAlive) {
		f.hc.serve(c)
	}
}

func (f *flushResume) Abort(c *Conn, err error) {}
