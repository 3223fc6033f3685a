package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// maxDrainBytes is how much unread request body is discarded to keep a
// connection reusable.
const maxDrainBytes = 256 << 10

var errHeadTooLarge = &ProtocolError{
	Status: http.StatusRequestHeaderFieldsTooLarge,
	Reason: "request head too large",
}

func (s *Server) handleRequest(c *conn) (bool, error) {
	req, err := s.readRequest(c)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.log.Warn("bad request", "status", perr.Status, "reason", perr.Reason)
			s.writeProtocolError(c, perr)
			return true, nil
		}
		return true, err
	}

	ctx := context.WithValue(context.Background(), http.LocalAddrContextKey, c.rwc.LocalAddr())
	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	if s.WriteTimeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}

	w := newResponseWriter(c.bufw, req, s.DisableKeepAlive, c.log)
	start := time.Now()
	s.Handler.ServeHTTP(w, req.WithContext(ctx))
	if err := w.finish(); err != nil {
		return true, fmt.Errorf("write response: %w", err)
	}
	c.log.Info("request",
		"method", req.Method,
		"path", req.URL.Path,
		"proto", req.Proto,
		"status", w.status,
		"bytes", w.written,
		"duration", time.Since(start),
	)

	if !discardBody(req.Body) {
		c.closeWriteAndWait()
		return true, nil
	}
	return w.closeAfter || s.shuttingDown(), nil
}

// readRequest reads one request head from c and prepares its body.
func (s *Server) readRequest(c *conn) (req *http.Request, err error) {
	defer func() {
		// A head cut short by the limit may look malformed; report the limit.
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Status == http.StatusBadRequest && c.lr.N <= 0 {
			err = errHeadTooLarge
		}
	}()

	if s.IdleTimeout > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	}
	// Limit the head; the slack covers what bufio reads ahead.
	c.lr.N = int64(s.maxHeaderBytes()) + int64(c.bufr.Size())

	c.minor = 1
	c.setState(stateIdle)
	if s.shuttingDown() {
		return nil, io.EOF
	}
	if _, err := c.bufr.Peek(1); err != nil {
		return nil, err
	}
	c.setState(stateActive)

	headerReader := textproto.NewReader(c.bufr)

	// Read the request line: GET /path/to/index.html HTTP/1.1
	// Empty lines before it are ignored.
	var reqLine string
	for reqLine == "" {
		line, err := headerReader.ReadLine()
		if err != nil {
			return nil, c.headError("read request line", err)
		}
		reqLine = line
	}

	req = new(http.Request)
	var found bool

	req.Method, reqLine, found = strings.Cut(reqLine, " ")
	if !found || !httpguts.ValidHeaderFieldName(req.Method) {
		return nil, badRequest("invalid method")
	}

	req.RequestURI, reqLine, found = strings.Cut(reqLine, " ")
	if !found || req.RequestURI == "" {
		return nil, badRequest("invalid request target")
	}

	req.Proto = reqLine
	if req.ProtoMajor, req.ProtoMinor, err = parseProtocol(req.Proto); err != nil {
		return nil, err
	}
	c.minor = req.ProtoMinor

	if req.URL, err = parseTarget(req.RequestURI); err != nil {
		return nil, err
	}

	req.Header = make(http.Header)
	for {
		line, err := headerReader.ReadLineBytes()
		if err != nil {
			return nil, c.headError("read header", err)
		}
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, badRequest("obsolete line folding")
		}

		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return nil, badRequest("invalid header line")
		}
		key := string(k)
		val := strings.Trim(string(v), " \t")
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(val) {
			return nil, badRequest("invalid header field %q", key)
		}
		req.Header.Add(key, val)
	}

	// The head is complete; the body can be any size.
	c.lr.N = math.MaxInt64

	hosts := req.Header.Values("Host")
	if len(hosts) > 1 {
		return nil, badRequest("multiple Host headers")
	}
	req.Host = req.URL.Host
	if req.Host == "" && len(hosts) == 1 {
		req.Host = hosts[0]
	}

	req.Close = shouldClose(req.ProtoMajor, req.ProtoMinor, req.Header)

	if err := setBody(req, c); err != nil {
		return nil, err
	}
	req.RemoteAddr = c.rwc.RemoteAddr().String()
	return req, nil
}

// headError turns a failed read inside the head into the right error. A
// head that ran into the size limit gets a 431.
func (c *conn) headError(op string, err error) error {
	if errors.Is(err, io.EOF) && c.lr.N <= 0 {
		return errHeadTooLarge
	}
	return fmt.Errorf("%s: %w", op, err)
}

// parseProtocol accepts HTTP/1.x. Other well-formed versions are
// answered with 505.
func parseProtocol(proto string) (int, int, error) {
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return 0, 0, badRequest("invalid protocol %q", proto)
	}
	if major != 1 {
		return 0, 0, &ProtocolError{
			Status: http.StatusHTTPVersionNotSupported,
			Reason: proto,
		}
	}
	return major, minor, nil
}

// parseTarget accepts origin-form and absolute-form targets.
func parseTarget(target string) (*url.URL, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, badRequest("invalid request target: %v", err)
	}
	if u.IsAbs() && u.Path == "" {
		u.Path = "/"
	}
	if !strings.HasPrefix(u.Path, "/") {
		return nil, badRequest("invalid request target %q", target)
	}
	if strings.IndexByte(u.Path, 0) >= 0 {
		return nil, badRequest("NUL byte in path")
	}
	return u, nil
}

// shouldClose reports whether the connection ends after this request.
// HTTP/1.1 is persistent by default, HTTP/1.0 only on request.
func shouldClose(major, minor int, h http.Header) bool {
	conv := h["Connection"]
	if httpguts.HeaderValuesContainsToken(conv, "close") {
		return true
	}
	if major == 1 && minor == 0 {
		return !httpguts.HeaderValuesContainsToken(conv, "keep-alive")
	}
	return false
}

func setBody(req *http.Request, c *conn) error {
	te := req.Header.Values("Transfer-Encoding")
	if len(te) > 0 {
		if len(te) != 1 || !strings.EqualFold(te[0], "chunked") {
			return &ProtocolError{
				Status: http.StatusNotImplemented,
				Reason: "unsupported transfer encoding",
			}
		}
		// A message with both framings must not leave the connection reusable.
		if req.Header.Get("Content-Length") != "" {
			req.Header.Del("Content-Length")
			req.Close = true
		}
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		req.Body = &chunkedBodyReader{reader: c.bufr}
		return nil
	}

	contentLength, err := parseContentLength(req.Header.Values("Content-Length"))
	if err != nil {
		return err
	}
	req.ContentLength = contentLength
	if contentLength == 0 {
		req.Body = noBody{}
	} else {
		req.Body = &bodyReader{reader: io.LimitReader(c.bufr, contentLength)}
	}
	return nil
}

func parseContentLength(vals []string) (int64, error) {
	if len(vals) == 0 {
		return 0, nil
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, badRequest("conflicting Content-Length")
		}
	}
	n, err := strconv.ParseInt(vals[0], 10, 64)
	if err != nil || n < 0 {
		return 0, badRequest("invalid Content-Length %q", vals[0])
	}
	return n, nil
}

// discardBody reads what the handler left of the request body. It reports
// false when the connection can't be reused.
func discardBody(body io.ReadCloser) bool {
	defer body.Close()
	n, err := io.CopyN(io.Discard, body, maxDrainBytes+1)
	return errors.Is(err, io.EOF) && n <= maxDrainBytes
}

func (s *Server) writeProtocolError(c *conn, perr *ProtocolError) {
	// Answer in the client's version when the request line got that far.
	req := &http.Request{
		Method:     http.MethodGet,
		Proto:      fmt.Sprintf("HTTP/1.%d", c.minor),
		ProtoMajor: 1,
		ProtoMinor: c.minor,
		Header:     make(http.Header),
		Close:      true,
	}
	if s.WriteTimeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	w := newResponseWriter(c.bufw, req, true, c.log)
	writeError(w, perr.Status)
	if err := w.finish(); err != nil {
		c.log.Debug("write error response", "err", err)
		return
	}
	c.closeWriteAndWait()
}
