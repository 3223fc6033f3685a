package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

// maxChunkLineLength bounds chunk size lines and trailer lines.
const maxChunkLineLength = 4 << 10

var (
	errChunkLineTooLong = errors.New("chunk line too long")
	errMalformedChunk   = errors.New("malformed chunked encoding")
)

// chunkedBodyReader decodes a chunked request body read from the
// connection. Trailers are read and dropped. After the last chunk every Read
// returns io.EOF and the connection is positioned at the next request.
type chunkedBodyReader struct {
	reader *bufio.Reader
	left   uint64 // unread bytes of the current chunk
	inData bool   // inside a chunk, its CRLF not yet consumed
	err    error  // sticky
}

func (r *chunkedBodyReader) Read(p []byte) (int, error) {
	for r.err == nil && !r.inData {
		r.err = r.beginChunk()
	}
	if r.err != nil {
		return 0, r.err
	}

	if uint64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.reader.Read(p)
	r.left -= uint64(n)
	if err == nil && r.left == 0 {
		err = r.endChunk()
	}
	if errors.Is(err, io.EOF) {
		// The connection ended inside a chunk.
		err = io.ErrUnexpectedEOF
	}
	r.err = err
	return n, err
}

// beginChunk reads a chunk size line. A zero size ends the body.
func (r *chunkedBodyReader) beginChunk() error {
	line, err := r.readLine()
	if err != nil {
		return err
	}
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // extensions are ignored
	}
	size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
	if err != nil {
		return errMalformedChunk
	}
	if size > 0 {
		r.left, r.inData = size, true
		return nil
	}

	for {
		trailer, err := r.readLine()
		if err != nil {
			return err
		}
		if len(trailer) == 0 {
			return io.EOF
		}
	}
}

// endChunk consumes the CRLF that closes a chunk's data.
func (r *chunkedBodyReader) endChunk() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.reader, crlf[:]); err != nil {
		return err
	}
	if crlf != [2]byte{'\r', '\n'} {
		return errMalformedChunk
	}
	r.inData = false
	return nil
}

// readLine returns one line without its CRLF. The bytes are valid until the
// next read.
func (r *chunkedBodyReader) readLine() ([]byte, error) {
	line, err := r.reader.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull) || len(line) > maxChunkLineLength+2:
		return nil, errChunkLineTooLong
	case errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (r *chunkedBodyReader) Close() error { return nil }
