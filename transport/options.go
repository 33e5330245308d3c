package transport

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/vegsecai/vegsec/auth"
	"github.com/vegsecai/vegsec/inference"
	"github.com/vegsecai/vegsec/mail"
	"github.com/vegsecai/vegsec/storage"
)

const (
	// DefaultMaxSessions bounds concurrently active sessions. Connections
	// beyond the bound are accepted but wait for an admission slot.
	DefaultMaxSessions = 5

	// DefaultGracePeriod is how long Close waits for in-flight sessions
	// before abandoning them.
	DefaultGracePeriod = 5 * time.Second
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// ImageDir is where uploaded images are persisted, named by hash.
	ImageDir string

	// MaxSessions caps concurrently active sessions. Defaults to
	// DefaultMaxSessions when zero.
	MaxSessions int

	// GracePeriod bounds the shutdown wait for in-flight sessions.
	// Defaults to DefaultGracePeriod when zero.
	GracePeriod time.Duration

	// TLSConfig carries the server certificate. Required.
	TLSConfig *tls.Config

	Identity storage.IdentityStore
	History  storage.HistoryStore
	Mailer   mail.Sender
	Model    inference.Model

	// Limiter is shared across every session. A fresh one is created when
	// nil.
	Limiter *auth.RateLimiter

	Log *zap.Logger
}
