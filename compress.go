package opengse

import (
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fasthttp"
)

// CompressAlg is a response content encoding applied by a TransferTask.
type CompressAlg int8

const (
	CompressNone CompressAlg = iota
	CompressGzip
	CompressBrotli
	CompressDeflate
	CompressZstd
)

var compressAlgNames = [5]string{"", "gzip", "br", "deflate", "zstd"}

// String returns the Content-Encoding token.
func (a CompressAlg) String() string {
	if a < 0 || int(a) >= len(compressAlgNames) {
		return ""
	}
	return compressAlgNames[a]
}

// DefaultCompressOrder is the server preference used by SendStreamCompressed.
var DefaultCompressOrder = []CompressAlg{CompressBrotli, CompressZstd, CompressGzip, CompressDeflate}

// negotiateCompress returns the first alg in order the client accepts.
func negotiateCompress(h *fasthttp.RequestHeader, order []CompressAlg) CompressAlg {
	for _, alg := range order {
		if alg != CompressNone && h.HasAcceptEncoding(alg.String()) {
			return alg
		}
	}
	return CompressNone
}

type streamEncoder interface {
	io.Writer
	Flush() error
	Close() error
	Reset(w io.Writer)
}

var encoderPools [5]sync.Pool

func newEncoder(alg CompressAlg, w io.Writer) streamEncoder {
	switch alg {
	case CompressGzip:
		// the level is valid, NewWriterLevel cannot fail
		zw, _ := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		return zw
	case CompressDeflate:
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		return fw
	case CompressBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression)
	case CompressZstd:
		ze, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic("BUG: zstd encoder options rejected: " + err.Error())
		}
		return ze
	}
	panic("BUG: unknown compress alg")
}

func acquireEncoder(alg CompressAlg, w io.Writer) streamEncoder {
	if v := encoderPools[alg].Get(); v != nil {
		e := v.(streamEncoder)
		e.Reset(w)
		return e
	}
	return newEncoder(alg, w)
}

func releaseEncoder(alg CompressAlg, e streamEncoder) {
	e.Reset(io.Discard)
	encoderPools[alg].Put(e)
}
