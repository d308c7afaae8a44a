/*Package comm provides the long-lived TCP connection used to talk to device
servers.

A Stream is opened once with a short exponential backoff, so that a server
that is still starting up gets a few chances before the caller gives up,
while a refused connection (nothing listening) fails straight away.  Writes
are serialized so several goroutines may Send; exactly one goroutine should
read from it.

	s, err := comm.Open(ctx, "localhost:7624", 3*time.Second)
	if err != nil {
		return err
	}
	defer s.Close()
	err = s.Send([]byte("<getProperties version='1.7'/>"))
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrRefused is generated when nothing is listening at the address
	ErrRefused = errors.New("connection refused")
)

// DefaultWriteTimeout bounds a single Send
const DefaultWriteTimeout = 10 * time.Second

// Stream is a duplex connection to a remote server
type Stream struct {
	Addr string
	Conn net.Conn

	// WriteTimeout bounds each Send; zero means DefaultWriteTimeout
	WriteTimeout time.Duration

	mu sync.Mutex
}

// Open dials addr.  Each attempt is bounded by timeout and attempts are
// retried with an exponential backoff for at most three seconds.
func Open(ctx context.Context, addr string, timeout time.Duration) (*Stream, error) {
	var conn net.Conn
	op := func() error {
		c, err := dial(ctx, addr, timeout)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrRefused, addr))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}, ctx))
	if err != nil {
		if errors.Is(err, ErrRefused) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
	}
	return &Stream{Addr: addr, Conn: conn}, nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Send writes b in full
func (s *Stream) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Conn == nil {
		return ErrNotConnected
	}
	to := s.WriteTimeout
	if to == 0 {
		to = DefaultWriteTimeout
	}
	s.Conn.SetWriteDeadline(time.Now().Add(to))
	_, err := s.Conn.Write(b)
	return err
}

// Reader is the inbound side of the stream
func (s *Stream) Reader() io.Reader {
	return s.Conn
}

// Close the connection, nil-ing the Conn variable
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Conn == nil {
		return nil
	}
	err := s.Conn.Close()
	s.Conn = nil
	return err
}
