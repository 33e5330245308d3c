// Package storage persists user identities, verification state and the
// per-user analysis history.
package storage

import (
	"context"
	"time"
)

// User is one account row. Verified stays false until the emailed
// verification code has been confirmed.
type User struct {
	Username     string
	PasswordHash string
	Email        string
	Verified     bool
}

// HistoryRecord is one cached analysis: the stored image (by content hash
// and path), the question asked and the model's answer.
type HistoryRecord struct {
	Timestamp time.Time
	ImageHash string
	Username  string
	Question  string
	Answer    string
	FilePath  string
}

// IdentityStore is the account-facing collaborator consumed by the
// connection sessions. Implementations provide their own per-operation
// atomicity.
type IdentityStore interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	SaveUser(ctx context.Context, user User) error

	// UserByUsername returns nil when the username is unknown.
	UserByUsername(ctx context.Context, username string) (*User, error)

	// UsernameByEmail returns "" when the email is unknown.
	UsernameByEmail(ctx context.Context, email string) (string, error)

	SaveVerificationCode(ctx context.Context, email, code string, expiry time.Time) error

	// VerificationCode returns found=false when no code is stored for the
	// email.
	VerificationCode(ctx context.Context, email string) (code string, expiry time.Time, found bool, err error)
	MarkVerified(ctx context.Context, email string) error
	DeleteVerificationCode(ctx context.Context, email string) error

	SaveResetToken(ctx context.Context, username, token string, expiry time.Time) error

	// ResetToken distinguishes an unknown username (userExists=false) from
	// a known user with no stored token (token == "").
	ResetToken(ctx context.Context, username string) (token string, expiry time.Time, userExists bool, err error)

	// UpdatePassword replaces the digest and clears any reset token.
	UpdatePassword(ctx context.Context, username, passwordHash string) error
}

// HistoryStore is the analysis-history collaborator.
type HistoryStore interface {
	SaveImageCache(ctx context.Context, rec HistoryRecord) error

	// History returns the user's records ordered newest first.
	History(ctx context.Context, username string) ([]HistoryRecord, error)
}

// Store is the full persistence surface the server is started with.
type Store interface {
	IdentityStore
	HistoryStore

	Close() error
}
