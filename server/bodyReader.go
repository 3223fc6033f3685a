package server

import "io"

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }
func (noBody) Close() error             { return nil }

// bodyReader is a Content-Length delimited request body. Whatever the
// handler leaves unread is discarded by the connection after the response,
// so Close has nothing to do.
type bodyReader struct {
	reader io.Reader
}

func (r *bodyReader) Read(p []byte) (n int, err error) {
	return r.reader.Read(p)
}

func (r *bodyReader) Close() error { return nil }
