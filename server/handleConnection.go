package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// rstAvoidanceDelay bounds how long a closing connection waits for the
// client to read the last response.
const rstAvoidanceDelay = 500 * time.Millisecond

type connState int32

const (
	stateIdle connState = iota
	stateActive
)

// conn is one accepted connection. It is owned by the goroutine running
// handleConnection; only state and rwc are touched by Shutdown.
type conn struct {
	rwc   net.Conn
	lr    *io.LimitedReader
	bufr  *bufio.Reader
	bufw  *bufio.Writer
	log   *slog.Logger
	state atomic.Int32

	// minor is the HTTP/1.x minor version of the request being read, 1
	// until its request line has been parsed.
	minor int
}

func (s *Server) newConn(rwc net.Conn) *conn {
	lr := &io.LimitedReader{R: rwc, N: int64(s.maxHeaderBytes())}
	return &conn{
		rwc:  rwc,
		lr:   lr,
		bufr: bufio.NewReaderSize(lr, 4<<10),
		bufw: bufio.NewWriterSize(rwc, 4<<10),
		log: s.logger().With(
			"conn", uuid.NewString(),
			"remote", rwc.RemoteAddr().String(),
		),
	}
}

func (c *conn) setState(st connState) { c.state.Store(int32(st)) }

func (c *conn) isIdle() bool { return connState(c.state.Load()) == stateIdle }

func (s *Server) handleConnection(c *conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic serving connection: %v\n%s", r, debug.Stack())
		}
		c.rwc.Close()
		c.log.Debug("connection closed")
	}()

	c.log.Debug("connection opened")
	for {
		// handleRequest does the work of reading and responding
		shouldClose, err := s.handleRequest(c)
		if err != nil {
			// io.EOF is a normal way for a persistent connection to end.
			if errors.Is(err, io.EOF) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.log.Debug("idle timeout")
				return nil
			}
			return err
		}
		if shouldClose {
			return nil
		}
	}
}

// closeWriteAndWait half-closes the connection and discards input for a
// moment so unread request bytes don't turn the close into a reset that
// destroys the response in flight.
func (c *conn) closeWriteAndWait() {
	cw, ok := c.rwc.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	c.rwc.SetReadDeadline(time.Now().Add(rstAvoidanceDelay))
	io.Copy(io.Discard, io.LimitReader(c.rwc, maxDrainBytes))
}
