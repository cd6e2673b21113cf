package opengse

import (
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// minCompressSize is the smallest file FS compresses.
const minCompressSize = 1024

// FS serves static files.
//
// Mount its Handler with a prefix servlet mapping such as "/static/*";
// the file is then looked up by PathInfo. Without PathInfo the whole
// request path is used.
type FS struct {
	// FS is the filesystem to serve files from, eg: embed.FS os.DirFS.
	// It takes precedence over Root.
	FS fs.FS

	// Root directory to serve files from. Defaults to the working directory.
	Root string

	// List of index file names to try opening during directory access.
	//
	// By default the list is empty and directories are forbidden.
	IndexNames []string

	// Compress textual files of at least 1KiB with the first encoding
	// of DefaultCompressOrder the client accepts.
	Compress bool

	// CacheDuration sets Cache-Control max-age. Zero omits the header.
	CacheDuration time.Duration

	// PathNotFound handles missing files. Defaults to NotFoundHandler.
	PathNotFound Handler
}

type fsHandler struct {
	fsys         fs.FS
	indexNames   []string
	compress     bool
	cacheControl string
	pathNotFound Handler
}

// Handler returns a handler serving files from fs.
func (f *FS) Handler() Handler {
	h := &fsHandler{
		fsys:         f.FS,
		indexNames:   append([]string(nil), f.IndexNames...),
		compress:     f.Compress,
		pathNotFound: f.PathNotFound,
	}
	if h.fsys == nil {
		root := f.Root
		if root == "" {
			root = "."
		}
		h.fsys = os.DirFS(root)
	}
	if h.pathNotFound == nil {
		h.pathNotFound = NotFoundHandler
	}
	if f.CacheDuration > 0 {
		h.cacheControl = "max-age=" + strconv.Itoa(int(f.CacheDuration/time.Second))
	}
	return h.handleRequest
}

func (h *fsHandler) handleRequest(ctx *RequestCtx) error {
	if !ctx.Request.Header.IsGet() && !ctx.Request.Header.IsHead() {
		ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
		ctx.Response.Header.Set(fasthttp.HeaderAllow, "GET, HEAD")
		return nil
	}
	p := ctx.PathInfo()
	if p == "" {
		p = string(ctx.Path())
	}
	if n := strings.IndexByte(p, 0); n >= 0 {
		ctx.Logger().Info().Int("pos", n).Str("path", p).Msg("cannot serve path with nil byte")
		ctx.Error("Are you a hacker?", fasthttp.StatusBadRequest)
		return nil
	}
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		name = "."
	}

	f, fi, err := h.open(name)
	if err == nil && fi.IsDir() {
		_ = f.Close()
		f, fi, err = h.openIndex(name)
		if errors.Is(err, fs.ErrNotExist) {
			ctx.Error("Directory index is forbidden", fasthttp.StatusForbidden)
			return nil
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return h.pathNotFound(ctx)
	case errors.Is(err, fs.ErrPermission):
		ctx.Error("Forbidden", fasthttp.StatusForbidden)
		return nil
	case err != nil:
		return errors.Wrapf(err, "open %q", name)
	}

	modTime := fi.ModTime().UTC().Truncate(time.Second)
	if ims := ctx.Request.Header.Peek(fasthttp.HeaderIfModifiedSince); len(ims) > 0 {
		if t, perr := fasthttp.ParseHTTPDate(ims); perr == nil && !modTime.After(t) {
			_ = f.Close()
			ctx.Response.SetStatusCode(fasthttp.StatusNotModified)
			ctx.Response.SkipBody = true
			return nil
		}
	}

	ct, err := contentType(f, fi.Name())
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sniff %q", name)
	}
	ctx.SetContentType(ct)
	ctx.Response.Header.SetLastModified(modTime)
	if h.cacheControl != "" {
		ctx.Response.Header.Set(fasthttp.HeaderCacheControl, h.cacheControl)
	}
	if h.compress && fi.Size() >= minCompressSize && isCompressibleType(ct) &&
		negotiateCompress(&ctx.Request.Header, DefaultCompressOrder) != CompressNone {
		ctx.SendStreamCompressed(f)
		return nil
	}
	ctx.SendStream(f, int(fi.Size()))
	return nil
}

func (h *fsHandler) open(name string) (fs.File, fs.FileInfo, error) {
	f, err := h.fsys.Open(name)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}

func (h *fsHandler) openIndex(dir string) (fs.File, fs.FileInfo, error) {
	for _, idx := range h.indexNames {
		f, fi, err := h.open(path.Join(dir, idx))
		if err == nil {
			if !fi.IsDir() {
				return f, fi, nil
			}
			_ = f.Close()
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
	}
	return nil, nil, fs.ErrNotExist
}

// contentType picks the type by extension, sniffing the first 512 bytes
// of seekable files with an unknown one.
func contentType(f fs.File, name string) (string, error) {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct, nil
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		return "application/octet-stream", nil
	}
	var buf [512]byte
	n, err := io.ReadFull(rs, buf[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err = rs.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

func isCompressibleType(ct string) bool {
	ct, _, _ = strings.Cut(ct, ";")
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasSuffix(ct, "+xml"), strings.HasSuffix(ct, "+json"):
		return true
	}
	switch ct {
	case "application/json", "application/javascript", "application/xml", "image/svg+xml", "application/wasm":
		return true
	}
	return false
}
