// Package netconn implements a TCP connection server: an accept loop
// handing each connection a pull-byte-source and a push-chunk-sink, with
// admission control and graceful drain. Each connection carries a
// cancellation token linked to the server-wide one, so either quitting
// the server or cancelling the individual connection aborts its pending
// reads and writes.
package netconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/internal/obslog"
	"github.com/joeycumines/go-netloop/neterr"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"
)

// MaxBufferSize bounds both a single "whatever is buffered" read and any
// n passed to Conn.Read; larger values are a programming error.
const MaxBufferSize = 1 << 20

// ReadWhateverBuffered, passed as n to Conn.Read, requests at most
// MaxBufferSize bytes of whatever is already available rather than an
// exact count.
const ReadWhateverBuffered = math.MaxUint32

// Conn is the per-connection handle passed to a Handler: a
// pull-byte-source (Read) and a push-chunk-sink (Write), both cancelled
// by the token the handler was invoked with.
type Conn struct {
	raw     net.Conn
	br      *bufio.Reader
	writeMu sync.Mutex
}

func newConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, br: bufio.NewReaderSize(raw, MaxBufferSize)}
}

// WrapConn adapts an already-established net.Conn (e.g. a client-side
// outbound dial) to the same pull-byte-source/push-chunk-sink interface
// Server hands to accepted connections.
func WrapConn(raw net.Conn) *Conn { return newConn(raw) }

// RemoteAddr returns the address of the connected peer.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Read implements the pull-byte-source: n == ReadWhateverBuffered returns
// whatever is currently available (at most MaxBufferSize), n == 0
// returns an empty read with a nil error, and any other n blocks until
// exactly n bytes have arrived or the peer closes (Aborted) or tok fires
// (Cancelled). n > MaxBufferSize panics, as a programming error.
//
// A fired token ends the pending read exactly like a peer abort; the
// distinct Cancelled value only lets callers tell local shutdown from
// peer loss. Treat the two alike for cleanup (neterr.IsAborted ||
// neterr.IsCancelled).
func (c *Conn) Read(n uint32, tok cancel.Token) ([]byte, error) {
	if n > MaxBufferSize && n != ReadWhateverBuffered {
		panic(fmt.Sprintf("netconn: read size %d exceeds MaxBufferSize %d", n, MaxBufferSize))
	}
	if n == 0 {
		return nil, nil
	}

	var cancelled atomic.Bool
	unregister := tok.StopCallback(func(reason error) {
		cancelled.Store(true)
		c.raw.SetReadDeadline(time.Unix(0, 1))
	})
	defer unregister()
	defer c.raw.SetReadDeadline(time.Time{})

	if n == ReadWhateverBuffered {
		if _, err := c.br.Peek(1); err != nil {
			return nil, classifyReadErr(err, cancelled.Load())
		}
		avail := c.br.Buffered()
		if avail > MaxBufferSize {
			avail = MaxBufferSize
		}
		buf := make([]byte, avail)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, classifyReadErr(err, cancelled.Load())
		}
		return buf, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, classifyReadErr(err, cancelled.Load())
	}
	return buf, nil
}

func classifyReadErr(err error, cancelled bool) error {
	if cancelled {
		return neterr.Cancelled
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return neterr.Aborted
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return neterr.Aborted
	}
	return neterr.Aborted
}

// Write implements the push-chunk-sink for a single chunk. Writes on one
// connection are serialized: only one outstanding Write suspension is
// permitted at a time. As with Read, a fired token surfaces as Cancelled
// rather than Aborted; both mean the write is dead.
func (c *Conn) Write(chunk []byte, tok cancel.Token) error {
	if len(chunk) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var cancelled atomic.Bool
	unregister := tok.StopCallback(func(reason error) {
		cancelled.Store(true)
		c.raw.SetWriteDeadline(time.Unix(0, 1))
	})
	defer unregister()
	defer c.raw.SetWriteDeadline(time.Time{})

	if _, err := c.raw.Write(chunk); err != nil {
		if cancelled.Load() {
			return neterr.Cancelled
		}
		return neterr.Aborted
	}
	return nil
}

// Handler processes one connection to completion (returning ends the
// connection; the server then closes the socket).
type Handler func(tok cancel.Token, conn *Conn)

// Config names the address and port to bind.
type Config struct {
	Address string
	Port    int
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithAdmissionLimiter rejects (accepts then immediately closes) any
// connection that would exceed limiter's configured rates, keyed on the
// peer's remote address. Accepting before closing keeps the listener
// backlog from building up behind a misbehaving peer.
func WithAdmissionLimiter(limiter *catrate.Limiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithLogger attaches a structured logger for connection lifecycle and
// admission-control events. Without it the server is silent.
func WithLogger(logger *obslog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server accepts TCP connections and dispatches each to a Handler in its
// own goroutine.
type Server struct {
	ln      net.Listener
	handler Handler
	limiter *catrate.Limiter
	logger  *obslog.Logger
	src     *cancel.Source
	group   errgroup.Group
}

// Listen binds cfg and constructs a Server ready to Serve. Binds
// whatever address families net.Listen's "tcp" network resolves
// (typically both IPv4 and IPv6).
func Listen(cfg Config, handler Handler, opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)))
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler, src: cancel.NewSource()}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = obslog.Discard()
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Log("listening")
	return s, nil
}

// Addr returns the bound listener address, useful when Config.Port == 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until Quit is called. It returns once the
// listener has been closed.
func (s *Server) Serve() {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if s.src.Token().StopRequested() {
				return
			}
			continue
		}

		if s.limiter != nil {
			// Key on the host alone; the peer's ephemeral port would make
			// every connection its own category.
			key := raw.RemoteAddr().String()
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
			if _, ok := s.limiter.Allow(key); !ok {
				s.logger.Notice().
					Str("remote", raw.RemoteAddr().String()).
					Log("connection rejected by admission limiter")
				raw.Close()
				continue
			}
		}

		connSrc := cancel.NewSource()
		tok := cancel.Or(s.src.Token(), connSrc.Token())
		conn := newConn(raw)
		s.logger.Debug().
			Str("remote", raw.RemoteAddr().String()).
			Log("connection accepted")

		s.group.Go(func() error {
			defer connSrc.Cancel(neterr.Aborted)
			defer raw.Close()
			defer func() {
				s.logger.Debug().
					Str("remote", raw.RemoteAddr().String()).
					Log("connection closed")
			}()
			s.handler(tok, conn)
			return nil
		})
	}
}

// Quit requests stop on the server-wide token, stops accepting new
// connections, and blocks until every in-flight connection has drained.
func (s *Server) Quit() {
	s.src.Cancel(neterr.Aborted)
	s.ln.Close()
	s.group.Wait()
}
