package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"kptv-player/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool keeps gzip writers around between responses so the control and
// admin APIs do not allocate a compressor per request. Writers use BestSpeed:
// the JSON bodies are small and polled often, so latency matters more than the
// last few percent of ratio.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter routes the response body through a pooled gzip writer while
// headers and status still go to the original ResponseWriter. It remembers
// whether the header was written so an implicit 200 is sent exactly once.
type gzipResponseWriter struct {
	io.Writer                // gzip writer receiving the body
	http.ResponseWriter      // original writer for headers and status
	wroteHeader         bool // set once WriteHeader has run
}

// WriteHeader drops any Content-Length a handler set, since it describes the
// uncompressed body, then sends the status on the underlying writer.
func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses b into the response. A handler that never called WriteHeader
// gets a 200 before the first byte, matching net/http's own behaviour.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush pushes what has been compressed so far to the client. The gzip buffer is
// flushed first, then the underlying writer when it supports flushing, so a
// handler can deliver a response in pieces.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware compresses the response of next for clients that accept gzip.
// Every response carries Vary: Accept-Encoding so caches keep the two variants
// apart. Requests that refuse gzip (absent, or q=0) pass through unmodified, as
// do event streams, whose snapshots must reach the client the moment they are
// written.
//
// The pooled writer is reset onto the response, closed when next returns and
// put back in the pool, so a handler that panics does not leak it.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")

		if !acceptsGzip(r) || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

// acceptsGzip reports whether the Accept-Encoding header lists gzip with a
// non-zero quality. A bare substring match would also accept "gzip;q=0".
func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(strings.TrimSpace(name), "gzip") && strings.ReplaceAll(params, " ", "") != "q=0" {
			return true
		}
	}
	return false
}
