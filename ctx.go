package opengse

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// maxDispatchDepth bounds nested Forward and Include calls.
const maxDispatchDepth = 16

// RequestCtx carries one request through routing and handling.
//
// It is only valid until the handler returns; do not retain it.
type RequestCtx struct {
	Request  fasthttp.Request
	Response fasthttp.Response

	s    *Server
	c    *Conn
	hc   *httpConn
	id   uint64
	time time.Time

	class DispatchClass
	match RouteMatch
	depth int
	err   error

	session         *Session
	sessionStatus   RequestedSessionStatus
	sessionResolved bool

	stream *responseStream

	userValues map[string]any
}

type responseStream struct {
	src  io.Reader
	size int
	alg  CompressAlg
}

var ctxPool = sync.Pool{
	New: func() any { return new(RequestCtx) },
}

func acquireCtx(s *Server, hc *httpConn, c *Conn) *RequestCtx {
	ctx := ctxPool.Get().(*RequestCtx)
	ctx.s, ctx.hc, ctx.c = s, hc, c
	ctx.id = s.reqID.Add(1)
	ctx.time = time.Now()
	return ctx
}

func releaseCtx(ctx *RequestCtx) {
	ctx.Request.Reset()
	ctx.Response.Reset()
	ctx.s, ctx.hc, ctx.c = nil, nil, nil
	ctx.class, ctx.match, ctx.depth, ctx.err = DispatchDirect, RouteMatch{}, 0, nil
	ctx.session, ctx.sessionStatus, ctx.sessionResolved = nil, NoSession, false
	ctx.dropStream()
	for k := range ctx.userValues {
		delete(ctx.userValues, k)
	}
	ctxPool.Put(ctx)
}

// ID returns the server-unique request id.
func (ctx *RequestCtx) ID() uint64 { return ctx.id }

// ConnID returns the id of the connection serving the request.
func (ctx *RequestCtx) ConnID() uint64 { return ctx.c.ID() }

// Time returns when request processing started.
func (ctx *RequestCtx) Time() time.Time { return ctx.time }

// ConnTime returns when the connection was accepted.
func (ctx *RequestCtx) ConnTime() time.Time { return ctx.c.ConnTime() }

// RemoteAddr returns the client address.
func (ctx *RequestCtx) RemoteAddr() net.Addr {
	if ctx.hc == nil || ctx.hc.nc == nil {
		return zeroTCPAddr
	}
	return ctx.hc.nc.RemoteAddr()
}

var zeroTCPAddr = &net.TCPAddr{IP: net.IPv4zero}

// Method returns the request method.
func (ctx *RequestCtx) Method() []byte { return ctx.Request.Header.Method() }

// Path returns the decoded request path.
func (ctx *RequestCtx) Path() []byte { return ctx.Request.URI().Path() }

// DispatchClass returns the class of the entry currently handling the request.
func (ctx *RequestCtx) DispatchClass() DispatchClass { return ctx.class }

// Pattern returns the route pattern that selected the current handler.
func (ctx *RequestCtx) Pattern() string { return ctx.match.Pattern }

// ServletPath returns the part of the path the route matched literally.
func (ctx *RequestCtx) ServletPath() string { return ctx.match.ServletPath }

// PathInfo returns the remainder of the path after ServletPath.
func (ctx *RequestCtx) PathInfo() string { return ctx.match.PathInfo }

// Err returns the handler error an error-class handler is responding to.
func (ctx *RequestCtx) Err() error { return ctx.err }

// Logger returns the server logger.
func (ctx *RequestCtx) Logger() *zerolog.Logger { return ctx.s.logger }

// SetUserValue stores value under key for the rest of the request.
func (ctx *RequestCtx) SetUserValue(key string, value any) {
	if ctx.userValues == nil {
		ctx.userValues = make(map[string]any)
	}
	ctx.userValues[key] = value
}

// UserValue returns the value stored by SetUserValue.
func (ctx *RequestCtx) UserValue(key string) any { return ctx.userValues[key] }

// SetStatusCode sets the response status.
func (ctx *RequestCtx) SetStatusCode(code int) { ctx.Response.SetStatusCode(code) }

// SetContentType sets the response Content-Type.
func (ctx *RequestCtx) SetContentType(ct string) { ctx.Response.Header.SetContentType(ct) }

// Write appends p to the response body.
func (ctx *RequestCtx) Write(p []byte) (int, error) { return ctx.Response.BodyWriter().Write(p) }

// WriteString appends s to the response body.
func (ctx *RequestCtx) WriteString(s string) (int, error) {
	ctx.Response.AppendBodyString(s)
	return len(s), nil
}

// SetBodyString replaces the response body.
func (ctx *RequestCtx) SetBodyString(s string) { ctx.Response.SetBodyString(s) }

// Error replaces the response with a plain text message.
func (ctx *RequestCtx) Error(msg string, code int) {
	ctx.dropStream()
	ctx.Response.Reset()
	ctx.Response.SetStatusCode(code)
	ctx.Response.Header.SetContentType("text/plain; charset=utf-8")
	ctx.Response.SetBodyString(msg)
}

// SetConnectionClose closes the connection after the response.
func (ctx *RequestCtx) SetConnectionClose() { ctx.Response.SetConnectionClose() }

// Forward hands the request to the forward-class entry for path. The
// response body written so far is discarded.
func (ctx *RequestCtx) Forward(path string) error {
	ctx.dropStream()
	ctx.Response.ResetBody()
	return ctx.dispatch(DispatchForward, path)
}

// Include runs the include-class entry for path, appending to the response.
func (ctx *RequestCtx) Include(path string) error {
	return ctx.dispatch(DispatchInclude, path)
}

func (ctx *RequestCtx) dispatch(class DispatchClass, path string) error {
	if ctx.depth >= maxDispatchDepth {
		return errors.Wrapf(ErrIllegalState, "dispatch depth %d exceeded at %q", maxDispatchDepth, path)
	}
	m, err := ctx.s.Router.Match(class, path)
	if err != nil {
		return err
	}
	prevClass, prevMatch := ctx.class, ctx.match
	ctx.class, ctx.match = class, m
	ctx.depth++
	err = callHandler(m.Handler, ctx)
	ctx.depth--
	ctx.class, ctx.match = prevClass, prevMatch
	return err
}

// callHandler turns a handler panic into an ErrHandlerPanic error.
func callHandler(h Handler, ctx *RequestCtx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%v", r)
		}
	}()
	return h(ctx)
}

// SendStream sends src as the response body once the handler returns. A
// negative size uses chunked framing. src is closed if it is an io.Closer.
func (ctx *RequestCtx) SendStream(src io.Reader, size int) {
	ctx.dropStream()
	ctx.Response.ResetBody()
	ctx.stream = &responseStream{src: src, size: size}
}

// SendStreamCompressed is like SendStream with unknown size, compressed
// with the first encoding of DefaultCompressOrder the client accepts.
func (ctx *RequestCtx) SendStreamCompressed(src io.Reader) {
	ctx.SendStream(src, -1)
	ctx.stream.alg = negotiateCompress(&ctx.Request.Header, DefaultCompressOrder)
}

// dropStream discards a pending stream, closing its source.
func (ctx *RequestCtx) dropStream() {
	if ctx.stream == nil {
		return
	}
	if cl, ok := ctx.stream.src.(io.Closer); ok {
		_ = cl.Close()
	}
	ctx.stream = nil
}

// Session returns the session the request belongs to. With create it makes
// one if there is none; without, a missing session yields nil.
func (ctx *RequestCtx) Session(create bool) (*Session, error) {
	cache := ctx.s.Sessions
	if cache == nil {
		return nil, errors.Wrap(ErrIllegalState, "sessions are disabled")
	}
	ctx.resolveSession()
	if ctx.session != nil {
		if err := ctx.session.access(); err == nil {
			return ctx.session, nil
		}
		ctx.session = nil
	}
	if !create {
		return nil, nil
	}
	return cache.CreateSession(ctx), nil
}

// RequestedSessionStatus classifies the session id the client presented.
func (ctx *RequestCtx) RequestedSessionStatus() RequestedSessionStatus {
	if ctx.s.Sessions == nil {
		return NoSession
	}
	ctx.resolveSession()
	return ctx.sessionStatus
}

func (ctx *RequestCtx) resolveSession() {
	if ctx.sessionResolved {
		return
	}
	ctx.sessionResolved = true
	id := ctx.Request.Header.Cookie(ctx.s.sessionCookieName())
	ctx.session, ctx.sessionStatus = ctx.s.Sessions.Resolve(ctx, string(id))
}

func (ctx *RequestCtx) bindSession(s *Session) {
	ctx.sessionResolved = true
	ctx.session = s
	ck := fasthttp.AcquireCookie()
	ck.SetKey(ctx.s.sessionCookieName())
	ck.SetValue(s.ID())
	ck.SetPath("/")
	ck.SetHTTPOnly(true)
	ctx.Response.Header.SetCookie(ck)
	fasthttp.ReleaseCookie(ck)
}

// NotFoundHandler answers 404. It is the default direct, forward and
// include fallback.
func NotFoundHandler(ctx *RequestCtx) error {
	ctx.Error("Not Found", fasthttp.StatusNotFound)
	return nil
}

// ErrorHandler answers 500. It is the default error-class fallback.
func ErrorHandler(ctx *RequestCtx) error {
	ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
	return nil
}
