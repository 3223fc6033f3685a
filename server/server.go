package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// DefaultMaxHeaderBytes bounds a request line plus headers when
// Server.MaxHeaderBytes is zero.
const DefaultMaxHeaderBytes = 1 << 20

// Server accepts TCP connections and serves HTTP/1.0 and HTTP/1.1 requests
// on them, one goroutine per connection.
type Server struct {
	Addr    string
	Handler http.Handler

	// IdleTimeout bounds the wait for a complete request head, including
	// the wait between requests on a kept-alive connection. Zero means no
	// limit.
	IdleTimeout time.Duration

	// WriteTimeout bounds writing each response. Zero means no limit.
	WriteTimeout time.Duration

	MaxHeaderBytes int

	// MaxConns caps simultaneously open connections when positive.
	MaxConns int

	DisableKeepAlive bool

	Logger *slog.Logger

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	conns      map[*conn]struct{}
	inShutdown atomic.Bool
	wg         sync.WaitGroup
}

func (s *Server) ListenAndServe() error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	l, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Listen binds s.Addr. Failures are reported as *BindError.
func (s *Server) Listen() (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", s.Addr)
	if err != nil {
		return nil, &BindError{Addr: s.Addr, Err: err}
	}
	return l, nil
}

// Serve accepts connections on l until it is closed. It always returns a
// non-nil error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	if s.Handler == nil {
		l.Close()
		return errors.New("http server started without a handler")
	}
	if s.MaxConns > 0 {
		l = netutil.LimitListener(l, s.MaxConns)
	}
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)
	defer l.Close()

	log := s.logger()
	var tempDelay time.Duration
	for {
		rwc, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			log.Error("accept error", "err", err, "retry_in", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		c := s.newConn(rwc)
		if !s.trackConn(c, true) {
			rwc.Close()
			continue
		}
		go func() {
			defer s.trackConn(c, false)
			if err := s.handleConnection(c); err != nil {
				c.log.Error("http error", "err", err)
			}
		}()
	}
}

// Shutdown stops accepting connections, closes idle ones and waits for
// active ones to finish. When ctx ends first the remaining connections are
// closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for c := range s.conns {
		if c.isIdle() {
			c.rwc.SetReadDeadline(time.Now())
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.rwc.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		if s.listeners == nil {
			s.listeners = make(map[net.Listener]struct{})
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		if s.conns == nil {
			s.conns = make(map[*conn]struct{})
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.conns, c)
		s.wg.Done()
	}
	return true
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
