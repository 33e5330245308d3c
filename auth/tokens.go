package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	// VerificationTTL is how long an emailed verification code stays valid.
	VerificationTTL = 30 * time.Minute

	// ResetTokenTTL is how long a password reset token stays valid.
	ResetTokenTTL = 30 * time.Minute
)

var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// ValidEmail checks the shape of an email address.
func ValidEmail(email string) bool {
	return emailRegexp.MatchString(email)
}

// GenerateVerificationCode returns a 6-digit code for email verification.
func GenerateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateResetToken returns an opaque single-use password reset token.
func GenerateResetToken() string {
	return uuid.NewString()
}
