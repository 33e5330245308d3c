package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vegsecai/vegsec/auth"
	"github.com/vegsecai/vegsec/protocol"
	"github.com/vegsecai/vegsec/storage"
)

// Session owns one accepted TLS connection and drives its request/response
// exchange from the first request-type token until logout or error. A
// session is owned exclusively by the goroutine running it.
type Session struct {
	ctx  context.Context
	conn net.Conn
	opts *Options
	log  *zap.Logger

	// remoteIP keys the rate limiter together with the username.
	remoteIP string

	// username is set once login succeeds.
	username string
}

func newSession(ctx context.Context, conn net.Conn, opts *Options, log *zap.Logger) *Session {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return &Session{
		ctx:      ctx,
		conn:     conn,
		opts:     opts,
		log:      log,
		remoteIP: ip,
	}
}

// stateFn is one state of the per-connection machine; it returns the next
// state, or nil when the session is done and the connection should close.
type stateFn func(*Session) stateFn

// Run executes the state machine to completion and closes the connection.
func (s *Session) Run() {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("Connection did not close cleanly", zap.Error(err))
		}
		s.log.Info("Connection closed")
	}()

	s.log.Info("Connection established")

	for state := awaitRequestType; state != nil; {
		state = state(s)
	}
}

func (s *Session) send(msg string) bool {
	if err := protocol.WriteToken(s.conn, msg); err != nil {
		s.log.Warn("Failed to send response", zap.Error(err))
		return false
	}
	return true
}

// readToken reads one client token, treating any failure as terminal for
// the session.
func (s *Session) readToken() (string, bool) {
	token, err := protocol.ReadToken(s.conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("Failed to read token", zap.Error(err))
		}
		return "", false
	}
	return token, true
}

// awaitRequestType reads the opening token and dispatches on its exact
// value. Everything except login is terminal, the handler replies and the
// connection closes.
func awaitRequestType(s *Session) stateFn {
	requestType, ok := s.readToken()
	if !ok {
		return nil
	}

	switch requestType {
	case "signup":
		return stateSignup
	case "login":
		return stateLogin
	case "forgot_password":
		return stateForgotPassword
	case "get_history":
		return stateGetHistory
	default:
		s.log.Warn("Unknown request type", zap.String("requestType", requestType))
		s.send("Invalid request type")
		return nil
	}
}

// stateSignup registers a new account. Note the inherited ordering: the
// user row is persisted, password already hashed, before the verification
// code is checked, so a failed verification still leaves an unverified row
// behind.
func stateSignup(s *Session) stateFn {
	username, ok := s.readToken()
	if !ok {
		return nil
	}
	password, ok := s.readToken()
	if !ok {
		return nil
	}
	email, ok := s.readToken()
	if !ok {
		return nil
	}

	if !auth.ValidEmail(email) {
		s.send("Signup failed: Invalid email")
		return nil
	}

	if exists, err := s.opts.Identity.UsernameExists(s.ctx, username); err != nil {
		s.log.Error("Failed to check username", zap.Error(err))
		return nil
	} else if exists {
		s.send("Signup failed: Username already exists")
		return nil
	}

	if exists, err := s.opts.Identity.EmailExists(s.ctx, email); err != nil {
		s.log.Error("Failed to check email", zap.Error(err))
		return nil
	} else if exists {
		s.send("Signup failed: Email already in use")
		return nil
	}

	code, err := auth.GenerateVerificationCode()
	if err != nil {
		s.log.Error("Failed to generate verification code", zap.Error(err))
		return nil
	}

	expiry := time.Now().Add(auth.VerificationTTL)
	if err := s.opts.Identity.SaveVerificationCode(s.ctx, email, code, expiry); err != nil {
		s.log.Error("Failed to save verification code", zap.Error(err))
		return nil
	}

	// Dispatch is fire-and-forget; signup proceeds even if the email never
	// arrives.
	if err := s.opts.Mailer.SendVerificationCode(email, code); err != nil {
		s.log.Warn("Failed to send verification email",
			zap.String("email", email), zap.Error(err))
	}

	if !s.send("Verification code sent. Please enter the verification code:") {
		return nil
	}

	clientCode, ok := s.readToken()
	if !ok {
		return nil
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		s.log.Error("Failed to hash password", zap.Error(err))
		return nil
	}

	if err := s.opts.Identity.SaveUser(s.ctx, storage.User{
		Username:     username,
		PasswordHash: hashed,
		Email:        email,
	}); err != nil {
		s.log.Error("Failed to save user", zap.Error(err))
		return nil
	}

	if verified, message := s.verifyAccount(email, clientCode); verified {
		s.log.Info("Signup completed", zap.String("username", username))
		s.send("Signup successful")
	} else {
		s.send("Signup failed: " + message)
	}

	return nil
}

func (s *Session) verifyAccount(email, clientCode string) (bool, string) {
	code, expiry, found, err := s.opts.Identity.VerificationCode(s.ctx, email)
	if err != nil {
		s.log.Error("Failed to load verification code", zap.Error(err))
		return false, "Verification code not found"
	}
	if !found {
		return false, "Verification code not found"
	}

	if time.Now().After(expiry) {
		return false, "Verification code has expired"
	}

	if clientCode != code {
		return false, "Incorrect verification code"
	}

	if err := s.opts.Identity.MarkVerified(s.ctx, email); err != nil {
		s.log.Error("Failed to mark account verified", zap.Error(err))
		return false, "Verification code not found"
	}
	if err := s.opts.Identity.DeleteVerificationCode(s.ctx, email); err != nil {
		s.log.Warn("Failed to delete verification code", zap.Error(err))
	}

	return true, "Account successfully verified"
}

// stateLogin authenticates the peer. Success is the only transition into
// the authenticated image loop; every failure replies and closes.
func stateLogin(s *Session) stateFn {
	username, ok := s.readToken()
	if !ok {
		return nil
	}
	password, ok := s.readToken()
	if !ok {
		return nil
	}

	allowed, message := s.opts.Limiter.Check(username, s.remoteIP)
	if !allowed {
		s.send(message)
		return nil
	}

	user, err := s.opts.Identity.UserByUsername(s.ctx, username)
	if err != nil {
		s.log.Error("Failed to load user", zap.Error(err))
		return nil
	}
	if user == nil {
		s.log.Info("Login failed, user not found", zap.String("username", username))
		s.send("Login failed")
		return nil
	}

	if !user.Verified {
		s.send("Account not verified. Please check your email for verification code.")
		return nil
	}

	if !auth.CheckPassword(password, user.PasswordHash) {
		s.log.Info("Login failed, password mismatch", zap.String("username", username))
		s.send("Login failed")
		return nil
	}

	s.opts.Limiter.Reset(username, s.remoteIP)
	s.username = username
	s.log.Info("Login successful", zap.String("username", username))

	if !s.send("Login successful") {
		return nil
	}

	return stateAuthenticated
}

// stateAuthenticated is the image-query loop. Integrity and format
// failures are reported and the loop continues; any other processing error
// ends the whole session.
func stateAuthenticated(s *Session) stateFn {
	for {
		header, err := protocol.ReadBlockHeader(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.log.Warn("Failed to read block header", zap.Error(err))
			s.send(fmt.Sprintf("Error: %v", err))
			return nil
		}

		if header.Bye {
			s.log.Info("User logged out", zap.String("username", s.username))
			return nil
		}

		if err := s.handleImageQuery(header.Length); err != nil {
			s.log.Error("Error processing image",
				zap.String("username", s.username), zap.Error(err))
			s.send(fmt.Sprintf("Error: %v", err))
			return nil
		}
	}
}

// errContinue marks failures that are reported to the client without
// ending the authenticated loop.
var errContinue = errors.New("continue")

func (s *Session) handleImageQuery(length uint32) error {
	err := s.processImageQuery(length)
	if errors.Is(err, errContinue) {
		return nil
	}
	return err
}

func (s *Session) processImageQuery(length uint32) error {
	image, err := protocol.ReadBlockPayload(s.conn, length)
	if err != nil {
		return err
	}

	declaredHash, err := protocol.ReadToken(s.conn)
	if err != nil {
		return fmt.Errorf("read image hash: %w", err)
	}
	question, err := protocol.ReadToken(s.conn)
	if err != nil {
		return fmt.Errorf("read question: %w", err)
	}

	digest := sha256.Sum256(image)
	calculatedHash := hex.EncodeToString(digest[:])
	if calculatedHash != declaredHash {
		s.send("Image hash mismatch.")
		return errContinue
	}

	if !validImage(image) {
		s.send("Invalid image format. Only JPEG and PNG are supported.")
		return errContinue
	}

	imagePath := filepath.Join(s.opts.ImageDir, calculatedHash+".jpg")
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		return fmt.Errorf("store image: %w", err)
	}

	answer, err := s.opts.Model.Answer(s.ctx, imagePath, question)
	if err != nil {
		return fmt.Errorf("query model: %w", err)
	}

	if err := s.opts.History.SaveImageCache(s.ctx, storage.HistoryRecord{
		Timestamp: time.Now(),
		ImageHash: declaredHash,
		Username:  s.username,
		Question:  question,
		Answer:    answer,
		FilePath:  imagePath,
	}); err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	if !s.send(answer) {
		return fmt.Errorf("send answer")
	}

	return nil
}

// stateForgotPassword mails a reset token. Only a successful dispatch
// transitions to the reset sub-state; on failure the client must not send
// the follow-up tokens.
func stateForgotPassword(s *Session) stateFn {
	email, ok := s.readToken()
	if !ok {
		return nil
	}

	username, err := s.opts.Identity.UsernameByEmail(s.ctx, email)
	if err != nil {
		s.log.Error("Failed to look up email", zap.Error(err))
		return nil
	}
	if username == "" {
		s.send("Email not found")
		return nil
	}

	token := auth.GenerateResetToken()
	expiry := time.Now().Add(auth.ResetTokenTTL)
	if err := s.opts.Identity.SaveResetToken(s.ctx, username, token, expiry); err != nil {
		s.log.Error("Failed to save reset token", zap.Error(err))
		return nil
	}

	if err := s.opts.Mailer.SendResetToken(email, token); err != nil {
		s.log.Warn("Failed to send reset email",
			zap.String("email", email), zap.Error(err))
		s.send("Failed to send reset email")
		return nil
	}

	if !s.send("Password reset token sent to " + email) {
		return nil
	}

	return stateAwaitReset
}

// stateAwaitReset consumes the reset credentials from the same connection
// and applies the password change.
func stateAwaitReset(s *Session) stateFn {
	username, ok := s.readToken()
	if !ok {
		return nil
	}
	resetToken, ok := s.readToken()
	if !ok {
		return nil
	}
	newPassword, ok := s.readToken()
	if !ok {
		return nil
	}

	s.send(s.resetPassword(username, resetToken, newPassword))
	return nil
}

func (s *Session) resetPassword(username, resetToken, newPassword string) string {
	stored, expiry, userExists, err := s.opts.Identity.ResetToken(s.ctx, username)
	if err != nil {
		s.log.Error("Failed to load reset token", zap.Error(err))
		return "Username not found"
	}
	if !userExists {
		return "Username not found"
	}

	if stored == "" || stored != resetToken {
		return "Invalid reset token"
	}

	if time.Now().After(expiry) {
		return "Reset token has expired"
	}

	hashed, err := auth.HashPassword(newPassword)
	if err != nil {
		s.log.Error("Failed to hash password", zap.Error(err))
		return "Invalid reset token"
	}

	if err := s.opts.Identity.UpdatePassword(s.ctx, username, hashed); err != nil {
		s.log.Error("Failed to update password", zap.Error(err))
		return "Invalid reset token"
	}

	return "Password successfully reset"
}

// stateGetHistory streams the user's analysis history, newest first, one
// sentinel-terminated record per send. An empty history is a lone
// sentinel.
func stateGetHistory(s *Session) stateFn {
	username, ok := s.readToken()
	if !ok {
		return nil
	}

	records, err := s.opts.History.History(s.ctx, username)
	if err != nil {
		s.log.Error("Failed to load history", zap.Error(err))
		return nil
	}

	if len(records) == 0 {
		if err := protocol.WriteHistoryEnd(s.conn); err != nil {
			s.log.Warn("Failed to send history sentinel", zap.Error(err))
		}
		return nil
	}

	for _, rec := range records {
		answer := rec.Answer
		if answer == "" {
			answer = "No answer available"
		}

		entry := protocol.HistoryEntry{
			Timestamp: rec.Timestamp,
			ImageHash: rec.ImageHash,
			Question:  rec.Question,
			Answer:    answer,
		}
		if err := protocol.WriteHistoryEntry(s.conn, entry); err != nil {
			s.log.Warn("Failed to send history entry", zap.Error(err))
			return nil
		}
	}

	return nil
}
