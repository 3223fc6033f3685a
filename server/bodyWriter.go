package server

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"
)

const serverName = "fileserver-from-scratch"

var nlcf = []byte{0x0d, 0x0a}

// responseBodyWriter frames one HTTP/1.x response onto the connection.
//
// Without a Content-Length the body is sent chunked to HTTP/1.1 clients
// and delimited by closing the connection for HTTP/1.0 clients. Bodies of
// HEAD requests are counted but never sent.
type responseBodyWriter struct {
	req             *http.Request
	w               *bufio.Writer
	log             *slog.Logger
	proto           string
	headers         http.Header
	sentHeaders     bool
	status          int
	chunkedEncoding bool
	discardBody     bool
	contentLength   int64 // -1 when not declared
	written         int64
	closeAfter      bool
	err             error // first write error
}

func newResponseWriter(w *bufio.Writer, req *http.Request, forceClose bool, log *slog.Logger) *responseBodyWriter {
	return &responseBodyWriter{
		req:           req,
		w:             w,
		log:           log,
		proto:         fmt.Sprintf("HTTP/1.%d", min(req.ProtoMinor, 1)),
		headers:       make(http.Header),
		contentLength: -1,
		discardBody:   req.Method == http.MethodHead,
		closeAfter:    forceClose || req.Close,
	}
}

func (r *responseBodyWriter) Header() http.Header {
	return r.headers
}

func (r *responseBodyWriter) Write(b []byte) (int, error) {
	if !r.sentHeaders {
		if r.headers.Get("Content-Type") == "" {
			r.headers.Set("Content-Type", http.DetectContentType(b))
		}
		r.WriteHeader(http.StatusOK)
	}
	if r.err != nil {
		return 0, r.err
	}
	if !bodyAllowed(r.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if r.contentLength >= 0 && r.written+int64(len(b)) > r.contentLength {
		return 0, http.ErrContentLength
	}

	r.written += int64(len(b))
	if r.discardBody || len(b) == 0 {
		return len(b), nil
	}

	if r.chunkedEncoding {
		if _, err := fmt.Fprintf(r.w, "%x\r\n", len(b)); err != nil {
			return 0, r.fail(err)
		}
	}

	n, err := r.w.Write(b)
	if err != nil {
		return n, r.fail(err)
	}

	if r.chunkedEncoding {
		if _, err := r.w.Write(nlcf); err != nil {
			return n, r.fail(err)
		}
	}

	return n, nil
}

func (r *responseBodyWriter) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	r.closeAfter = true
	return err
}

// Flush sends buffered response bytes to the client.
func (r *responseBodyWriter) Flush() {
	if !r.sentHeaders {
		r.WriteHeader(http.StatusOK)
	}
	if err := r.w.Flush(); err != nil {
		r.fail(err)
	}
}

func (r *responseBodyWriter) WriteHeader(statusCode int) {
	if r.sentHeaders {
		r.log.Warn("WriteHeader called twice", "status", r.status, "ignored", statusCode)
		return
	}

	r.sentHeaders = true
	r.status = statusCode
	if err := r.writeHeader(r.w, statusCode); err != nil {
		r.fail(err)
	}
}

// finish completes the response after the handler returns.
func (r *responseBodyWriter) finish() error {
	if !r.sentHeaders {
		if r.headers.Get("Content-Length") == "" && r.headers.Get("Transfer-Encoding") == "" {
			r.headers.Set("Content-Length", "0")
		}
		r.WriteHeader(http.StatusOK)
	}
	if r.err != nil {
		return r.err
	}

	if r.chunkedEncoding {
		if _, err := r.w.Write([]byte("0\r\n\r\n")); err != nil {
			return r.fail(err)
		}
	}
	// A short body leaves the client waiting for bytes that never come.
	if r.contentLength >= 0 && r.written < r.contentLength && !r.discardBody {
		r.closeAfter = true
	}
	if err := r.w.Flush(); err != nil {
		return r.fail(err)
	}
	return nil
}

func (r *responseBodyWriter) writeHeader(w io.Writer, statusCode int) error {
	if cl := r.headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			r.log.Warn("dropping invalid Content-Length", "value", cl)
			r.headers.Del("Content-Length")
		} else {
			r.contentLength = n
		}
	}

	_, clSet := r.headers["Content-Length"]
	_, teSet := r.headers["Transfer-Encoding"]
	if !bodyAllowed(statusCode) {
		r.headers.Del("Transfer-Encoding")
	} else if !clSet && !teSet && !r.discardBody {
		if r.req.ProtoAtLeast(1, 1) {
			r.chunkedEncoding = true
			r.headers.Set("Transfer-Encoding", "chunked")
		} else {
			r.closeAfter = true
		}
	}

	if r.closeAfter {
		r.headers.Set("Connection", "close")
	} else if !r.req.ProtoAtLeast(1, 1) {
		r.headers.Set("Connection", "keep-alive")
	}
	if r.headers.Get("Date") == "" {
		r.headers.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if r.headers.Get("Server") == "" {
		r.headers.Set("Server", serverName)
	}

	text := http.StatusText(statusCode)
	if text == "" {
		text = "status code " + strconv.Itoa(statusCode)
	}
	if _, err := fmt.Fprintf(w, "%s %03d %s\r\n", r.proto, statusCode, text); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(r.headers)) {
		for _, val := range r.headers[k] {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, val); err != nil {
				return err
			}
		}
	}
	if _, err := w.Write(nlcf); err != nil {
		return err
	}
	return nil
}

// bodyAllowed reports whether a response with the status may carry a body.
func bodyAllowed(status int) bool {
	if status >= 100 && status <= 199 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}
