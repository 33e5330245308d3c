package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vegsecai/vegsec/auth"
)

// Server binds the TLS listener, accepts connections and hands each one to
// a Session goroutine behind the admission gate.
type Server struct {
	cancel context.CancelFunc

	// sessionCtx outlives the accept context: admitted sessions keep it
	// through the shutdown grace period instead of being cut off the
	// moment Close is called.
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	opts Options
	addr string

	// admission bounds concurrently active sessions. The accept loop never
	// blocks on it; each accepted connection waits in its own goroutine.
	admission *semaphore.Weighted

	listener net.Listener

	mu       sync.Mutex
	sessions sync.WaitGroup

	log *zap.Logger
}

func NewServer(options Options) *Server {
	if options.MaxSessions < 1 {
		options.MaxSessions = DefaultMaxSessions
	}
	if options.GracePeriod <= 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	if options.Limiter == nil {
		options.Limiter = auth.NewRateLimiter()
	}

	return &Server{
		opts:      options,
		addr:      net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		admission: semaphore.NewWeighted(int64(options.MaxSessions)),
		log:       options.Log,
	}
}

// Start binds and begins accepting. It returns once the listener is live;
// sessions run until Close or the parent context ends.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	s.sessionCtx, s.sessionCancel = context.WithCancel(context.Background())

	if s.opts.ImageDir != "" {
		if err := os.MkdirAll(s.opts.ImageDir, 0o755); err != nil {
			cancel()
			return fmt.Errorf("create image dir: %w", err)
		}
	}

	listener, err := reuseport.Listen("tcp", s.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = tls.NewListener(listener, s.opts.TLSConfig)

	s.log.Info("Listening with TLS", zap.String("addr", s.listener.Addr().String()),
		zap.Int("maxSessions", s.opts.MaxSessions))

	// Closing the listener is what unblocks Accept when we shut down.
	// In-flight sessions keep their own context for the grace period.
	go func() {
		<-ctx.Done()

		if err := s.listener.Close(); err != nil {
			s.log.Warn("Listener did not close cleanly", zap.Error(err))
		}

		time.Sleep(s.opts.GracePeriod)
		s.sessionCancel()
	}()

	go s.acceptLoop(ctx)

	return nil
}

// Addr reports the bound address, useful when Port was 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedConnError(err) {
				s.log.Info("Stopped accepting new connections")
				return
			}

			s.log.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		s.sessions.Add(1)

		go func() {
			defer s.sessions.Done()

			// Admission is scoped to this goroutine: the slot is released
			// on every exit path, panics included.
			if err := s.admission.Acquire(ctx, 1); err != nil {
				conn.Close()
				return
			}
			defer s.admission.Release(1)

			log := s.log.Named("session").With(zap.String("peer", conn.RemoteAddr().String()))

			defer func() {
				if r := recover(); r != nil {
					log.Error("Session panicked", zap.Any("panic", r))
					conn.Close()
				}
			}()

			newSession(s.sessionCtx, conn, &s.opts, log).Run()
		}()
	}
}

// Close stops accepting, then gives in-flight sessions the grace period to
// finish. Sessions still running afterwards are abandoned, not killed.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.log.Info("Stopping server")
	s.cancel()

	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !isClosedConnError(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All sessions finished")

	case <-time.After(s.opts.GracePeriod):
		s.log.Warn("Grace period elapsed, cancelling in-flight sessions")
	}

	s.sessionCancel()

	return err
}

func isClosedConnError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	netOpError := new(net.OpError)
	return errors.As(err, &netOpError) &&
		strings.Contains(netOpError.Err.Error(), "use of closed network connection")
}
