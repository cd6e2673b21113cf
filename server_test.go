//go:build linux

package opengse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"github.com/xyproto/randomstring"
	"golang.org/x/net/netutil"
)

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	if s.Logger == nil {
		s.Logger = &quietLogger
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.ShutdownWithContext(ctx)
		select {
		case err := <-served:
			assert.NoErr(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	// wait until the reactor is up
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		up := len(s.ln) > 0
		s.mu.Unlock()
		if up {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ln.Addr().String()
}

func testRouter(t *testing.T) *Router {
	r := NewRouter(nil, func(ctx *RequestCtx) error {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		_, err := ctx.WriteString("error: " + ctx.Err().Error())
		return err
	})
	add := func(class DispatchClass, pattern string, h Handler) {
		assert.NoErr(t, r.Add(class, pattern, h))
	}
	add(DispatchDirect, "/hello", func(ctx *RequestCtx) error {
		ctx.SetContentType("text/plain")
		_, err := ctx.WriteString("hello world")
		return err
	})
	add(DispatchDirect, "/echo", func(ctx *RequestCtx) error {
		_, err := ctx.Write(ctx.Request.Body())
		return err
	})
	add(DispatchDirect, "/fail", func(ctx *RequestCtx) error {
		return errors.New("kaput")
	})
	add(DispatchDirect, "/app/.*", func(ctx *RequestCtx) error {
		_, err := fmt.Fprintf(ctx, "%s|%s", ctx.ServletPath(), ctx.PathInfo())
		return err
	})
	add(DispatchDirect, "/fw", func(ctx *RequestCtx) error {
		_, _ = ctx.WriteString("discarded")
		return ctx.Forward("/target")
	})
	add(DispatchForward, "/target", func(ctx *RequestCtx) error {
		_, err := ctx.WriteString("fwd:" + ctx.DispatchClass().String())
		return err
	})
	add(DispatchDirect, "/inc", func(ctx *RequestCtx) error {
		_, _ = ctx.WriteString("a")
		if err := ctx.Include("/part"); err != nil {
			return err
		}
		_, err := ctx.WriteString("c:" + ctx.DispatchClass().String())
		return err
	})
	add(DispatchInclude, "/part", func(ctx *RequestCtx) error {
		_, err := ctx.WriteString("b")
		return err
	})
	add(DispatchDirect, "/session", func(ctx *RequestCtx) error {
		st := ctx.RequestedSessionStatus()
		s, err := ctx.Session(true)
		if err != nil {
			return err
		}
		count := 0
		if v, _ := s.Attribute("n"); v != nil {
			count = v.(int)
		}
		count++
		if err = s.SetAttribute("n", count); err != nil {
			return err
		}
		_, err = fmt.Fprintf(ctx, "%s %d", st, count)
		return err
	})
	return r
}

var streamPayload = randomstring.HumanFriendlyString(256 * 1024)

func addStreamRoutes(t *testing.T, r *Router) {
	assert.NoErr(t, r.Add(DispatchDirect, "/stream", func(ctx *RequestCtx) error {
		ctx.SendStream(strings.NewReader(streamPayload), len(streamPayload))
		return nil
	}))
	assert.NoErr(t, r.Add(DispatchDirect, "/chunked", func(ctx *RequestCtx) error {
		ctx.SendStream(strings.NewReader(streamPayload), -1)
		return nil
	}))
	assert.NoErr(t, r.Add(DispatchDirect, "/compressed", func(ctx *RequestCtx) error {
		ctx.SendStreamCompressed(strings.NewReader(streamPayload))
		return nil
	}))
}

func doRequest(t *testing.T, c *fasthttp.Client, method, url string, body []byte, setup func(req *fasthttp.Request)) *fasthttp.Response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if body != nil {
		req.SetBody(body)
	}
	if setup != nil {
		setup(req)
	}
	resp := fasthttp.AcquireResponse()
	assert.NoErr(t, c.DoTimeout(req, resp, 5*time.Second))
	t.Cleanup(func() { fasthttp.ReleaseResponse(resp) })
	return resp
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t), Name: "opengse-test"}
	addr := startServer(t, s)
	c := &fasthttp.Client{}
	base := "http://" + addr

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/hello", 200, "hello world"},
		{"/missing", 404, "Not Found"},
		{"/fail", 500, "error: kaput"},
		{"/app/x/y", 200, "/app|/x/y"},
		{"/fw", 200, "fwd:forward"},
		{"/inc", 200, "abc:direct"},
	}
	for _, cs := range cases {
		resp := doRequest(t, c, "GET", base+cs.path, nil, nil)
		assert.Eq(t, cs.status, resp.StatusCode(), cs.path)
		assert.Eq(t, cs.body, string(resp.Body()), cs.path)
	}
	resp := doRequest(t, c, "GET", base+"/hello", nil, nil)
	assert.Eq(t, "opengse-test", string(resp.Header.Server()))
}

func TestServerHandlerPanic(t *testing.T) {
	t.Parallel()
	r := testRouter(t)
	assert.NoErr(t, r.Add(DispatchDirect, "/boom", func(ctx *RequestCtx) error {
		panic("boom")
	}))
	assert.NoErr(t, r.Add(DispatchDirect, "/outer", func(ctx *RequestCtx) error {
		return ctx.Include("/inner")
	}))
	assert.NoErr(t, r.Add(DispatchInclude, "/inner", func(ctx *RequestCtx) error {
		panic("deep")
	}))
	s := &Server{Router: r, IdleTimeout: 200 * time.Millisecond}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	assert.NoErr(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, err := io.WriteString(nc, "GET /boom HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, fasthttp.StatusInternalServerError, resp.StatusCode())
	assert.True(t, strings.Contains(string(resp.Body()), "boom"))
	assert.False(t, resp.ConnectionClose())

	// the same connection keeps serving
	resp.Reset()
	_, err = io.WriteString(nc, "GET /outer HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, fasthttp.StatusInternalServerError, resp.StatusCode())
	assert.True(t, strings.Contains(string(resp.Body()), "deep"))

	resp.Reset()
	_, err = io.WriteString(nc, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, "hello world", string(resp.Body()))

	_, err = br.ReadByte()
	assert.Eq(t, io.EOF, err)
	time.Sleep(20 * time.Millisecond)
	assert.Eq(t, 0, s.OpenConns())
}

func TestServerRequestBody(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	c := &fasthttp.Client{}
	body := []byte(randomstring.HumanFriendlyString(300 * 1024))
	resp := doRequest(t, c, "POST", "http://"+addr+"/echo", body, nil)
	assert.Eq(t, 200, resp.StatusCode())
	assert.Eq(t, len(body), len(resp.Body()))
	assert.Eq(t, string(body), string(resp.Body()))
}

func TestServerRequestTooLarge(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t), MaxRequestSize: 1024}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	// the body is never sent: the declared length alone is over the limit
	_, err := io.WriteString(nc, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 2048\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, fasthttp.StatusRequestEntityTooLarge, resp.StatusCode())
	assert.True(t, resp.ConnectionClose())
}

func TestServerStreams(t *testing.T) {
	t.Parallel()
	r := testRouter(t)
	addStreamRoutes(t, r)
	s := &Server{Router: r, WriteBufferSoftLimit: 4096}
	addr := startServer(t, s)
	c := &fasthttp.Client{}
	base := "http://" + addr

	resp := doRequest(t, c, "GET", base+"/stream", nil, nil)
	assert.Eq(t, 200, resp.StatusCode())
	assert.Eq(t, len(streamPayload), resp.Header.ContentLength())
	assert.True(t, streamPayload == string(resp.Body()))

	resp = doRequest(t, c, "GET", base+"/chunked", nil, nil)
	assert.Eq(t, 200, resp.StatusCode())
	assert.Eq(t, -1, resp.Header.ContentLength())
	assert.True(t, streamPayload == string(resp.Body()))

	resp = doRequest(t, c, "GET", base+"/compressed", nil, func(req *fasthttp.Request) {
		req.Header.Set(fasthttp.HeaderAcceptEncoding, "gzip")
	})
	assert.Eq(t, "gzip", string(resp.Header.ContentEncoding()))
	plain, err := resp.BodyGunzip()
	assert.NoErr(t, err)
	assert.True(t, streamPayload == string(plain))

	resp = doRequest(t, c, "GET", base+"/compressed", nil, func(req *fasthttp.Request) {
		req.Header.Set(fasthttp.HeaderAcceptEncoding, "br, gzip")
	})
	assert.Eq(t, "br", string(resp.Header.ContentEncoding()))
	plain, err = resp.BodyUnbrotli()
	assert.NoErr(t, err)
	assert.True(t, streamPayload == string(plain))

	// still usable after streaming
	resp = doRequest(t, c, "GET", base+"/hello", nil, nil)
	assert.Eq(t, "hello world", string(resp.Body()))
}

func TestServerSessions(t *testing.T) {
	t.Parallel()
	sessions, err := NewSessionCache(SessionCacheConfig{ServerAddr: net.IPv4(127, 0, 0, 1), Logger: &quietLogger})
	assert.NoErr(t, err)
	s := &Server{Router: testRouter(t), Sessions: sessions}
	addr := startServer(t, s)
	c := &fasthttp.Client{}
	url := "http://" + addr + "/session"

	resp := doRequest(t, c, "GET", url, nil, nil)
	assert.Eq(t, "NoSession 1", string(resp.Body()))
	var ck fasthttp.Cookie
	ck.SetKey(DefaultSessionCookieName)
	assert.True(t, resp.Header.Cookie(&ck))
	id := string(ck.Value())
	assert.True(t, ck.HTTPOnly())

	info, err := DecodeSessionID(id)
	assert.NoErr(t, err)
	port := uint32(s.ln[0].Addr().(*net.TCPAddr).Port)
	assert.Eq(t, port, info.ServerIDExt)

	withCookie := func(v string) func(req *fasthttp.Request) {
		return func(req *fasthttp.Request) { req.Header.SetCookie(DefaultSessionCookieName, v) }
	}
	resp = doRequest(t, c, "GET", url, nil, withCookie(id))
	assert.Eq(t, "Valid 2", string(resp.Body()))
	resp = doRequest(t, c, "GET", url, nil, withCookie("not-a-session"))
	assert.Eq(t, "BadSessionId 1", string(resp.Body()))

	sessions.InvalidateSession(id)
	resp = doRequest(t, c, "GET", url, nil, withCookie(id))
	assert.Eq(t, "Invalid 1", string(resp.Body()))
}

func TestServerSessionsDisabled(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	resp := doRequest(t, &fasthttp.Client{}, "GET", "http://"+addr+"/session", nil, nil)
	assert.Eq(t, 500, resp.StatusCode())
	assert.True(t, strings.Contains(string(resp.Body()), "sessions are disabled"))
}

func dialRaw(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp4", addr)
	assert.NoErr(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	assert.NoErr(t, nc.SetDeadline(time.Now().Add(5*time.Second)))
	return nc, bufio.NewReader(nc)
}

func TestServerPipelining(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	_, err := io.WriteString(nc, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n"+
		"POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\nping"+
		"GET /missing HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	assert.NoErr(t, err)

	var resp fasthttp.Response
	for _, want := range []string{"hello world", "ping", "Not Found"} {
		assert.NoErr(t, resp.Read(br))
		assert.Eq(t, want, string(resp.Body()))
	}
	assert.True(t, resp.ConnectionClose())
	_, err = br.ReadByte()
	assert.Eq(t, io.EOF, err)
}

func TestServerSplitRequest(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(req); i += 7 {
		end := i + 7
		if end > len(req) {
			end = len(req)
		}
		_, err := io.WriteString(nc, req[i:end])
		assert.NoErr(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, "hello", string(resp.Body()))
}

func TestServerRejectsChunkedRequest(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	_, err := io.WriteString(nc, "POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, fasthttp.StatusLengthRequired, resp.StatusCode())
	assert.True(t, resp.ConnectionClose())
}

func TestServerBadRequest(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t)}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	_, err := io.WriteString(nc, "garbage\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.Eq(t, fasthttp.StatusBadRequest, resp.StatusCode())
}

func TestServerIdleTimeout(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t), IdleTimeout: 50 * time.Millisecond}
	addr := startServer(t, s)
	nc, br := dialRaw(t, addr)
	_, err := io.WriteString(nc, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br))
	assert.False(t, resp.ConnectionClose())

	start := time.Now()
	_, err = br.ReadByte()
	assert.Eq(t, io.EOF, err)
	assert.True(t, time.Since(start) >= 40*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Eq(t, 0, s.OpenConns())
}

func TestServerShutdown(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t), Logger: &quietLogger}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	c := &fasthttp.Client{}
	var resp *fasthttp.Response
	for i := 0; i < 50; i++ {
		req := fasthttp.AcquireRequest()
		req.SetRequestURI("http://" + ln.Addr().String() + "/hello")
		resp = fasthttp.AcquireResponse()
		err = c.DoTimeout(req, resp, time.Second)
		fasthttp.ReleaseRequest(req)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.NoErr(t, err)
	assert.Eq(t, "hello world", string(resp.Body()))
	// the client keeps an idle keep-alive connection open
	assert.Eq(t, 1, s.OpenConns())

	assert.NoErr(t, s.Shutdown())
	assert.NoErr(t, waitErr(t, served))
	assert.Eq(t, 0, s.OpenConns())
	_, err = net.DialTimeout("tcp4", ln.Addr().String(), 100*time.Millisecond)
	assert.Err(t, err)
}

func TestServerMaxConns(t *testing.T) {
	t.Parallel()
	s := &Server{Router: testRouter(t), MaxConns: 1}
	addr := startServer(t, s)
	nc1, br1 := dialRaw(t, addr)
	_, err := io.WriteString(nc1, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	var resp fasthttp.Response
	assert.NoErr(t, resp.Read(br1))

	// the second connection waits in the backlog until the first closes
	nc2, br2 := dialRaw(t, addr)
	_, err = io.WriteString(nc2, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NoErr(t, err)
	assert.NoErr(t, nc2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = br2.Peek(1)
	assert.Err(t, err)

	assert.NoErr(t, nc1.Close())
	assert.NoErr(t, nc2.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.NoErr(t, resp.Read(br2))
	assert.Eq(t, "hello world", string(resp.Body()))
}

func TestRawListenerUnderLimit(t *testing.T) {
	t.Parallel()
	inner, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	raw := &rawListener{Listener: inner}
	ln := netutil.LimitListener(raw, 1)
	defer ln.Close()

	dialed := make(chan net.Conn, 1)
	go func() {
		nc, derr := net.Dial("tcp4", inner.Addr().String())
		assert.NoErr(t, derr)
		dialed <- nc
	}()
	nc, err := ln.Accept()
	assert.NoErr(t, err)
	defer nc.Close()
	defer (<-dialed).Close()

	_, wrapped := nc.(syscall.Conn)
	assert.False(t, wrapped)
	_, ok := raw.last.(syscall.Conn)
	assert.True(t, ok)
	assert.Eq(t, nc.RemoteAddr().String(), raw.last.RemoteAddr().String())
}

func TestServerWithoutRouter(t *testing.T) {
	t.Parallel()
	s := &Server{}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	defer ln.Close()
	assert.True(t, errors.Is(s.Serve(ln), ErrIllegalState))
}
