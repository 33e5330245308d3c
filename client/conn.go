// Package client speaks the vegsec wire protocol from the user's side of
// the socket.
package client

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vegsecai/vegsec/protocol"
)

// Server responses the Conn keys its own behavior on.
const (
	MsgLoginOK  = "Login successful"
	MsgSignupOK = "Signup successful"
)

var ErrNotConnected = errors.New("not connected")

// Conn is a client session over a single lazily dialed TLS connection. The
// connection is reused across login and image queries; any transport error
// discards it, and the next operation dials fresh. History is the
// exception, it always runs on its own short-lived connection.
//
// Methods block on network I/O. A Conn is safe for use from multiple
// goroutines, but operations are serialized.
type Conn struct {
	addr string

	mu   sync.Mutex
	conn *tls.Conn

	log *zap.Logger
}

func New(addr string, log *zap.Logger) *Conn {
	return &Conn{
		addr: addr,
		log:  log,
	}
}

// Connect dials the server now instead of on first use.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.ensure()
	return err
}

// ensure returns the live connection, dialing when there is none. Callers
// hold c.mu.
func (c *Conn) ensure() (*tls.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	// The server presents a self-signed certificate; there is no pinning.
	conn, err := tls.Dial("tcp", c.addr, &tls.Config{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.log.Info("Connected", zap.String("addr", c.addr))
	c.conn = conn
	return conn, nil
}

// discard drops the current connection. Callers hold c.mu.
func (c *Conn) discard() {
	if c.conn == nil {
		return
	}

	if err := c.conn.Close(); err != nil {
		c.log.Debug("Connection did not close cleanly", zap.Error(err))
	}
	c.conn = nil
}

// exchange sends the given tokens and reads one response. Any I/O failure
// discards the socket. Callers hold c.mu.
func (c *Conn) exchange(tokens ...string) (string, error) {
	conn, err := c.ensure()
	if err != nil {
		return "", err
	}

	for _, token := range tokens {
		if err := protocol.WriteToken(conn, token); err != nil {
			c.discard()
			return "", fmt.Errorf("send %q: %w", token, err)
		}
	}

	response, err := protocol.ReadToken(conn)
	if err != nil {
		c.discard()
		return "", fmt.Errorf("read response: %w", err)
	}

	return response, nil
}

// Login authenticates and returns the server's response. The connection is
// kept only on success; on any other response the server has closed its
// side, so the socket is discarded.
func (c *Conn) Login(username, password string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	response, err := c.exchange("login", username, password)
	if err != nil {
		return "", err
	}

	if response != MsgLoginOK {
		c.discard()
	}
	return response, nil
}

// Signup submits a registration and returns the server's prompt. On the
// verification prompt the connection stays open for Verify; any other
// response ends the exchange.
func (c *Conn) Signup(username, password, email string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	response, err := c.exchange("signup", username, password, email)
	if err != nil {
		return "", err
	}

	if response != "Verification code sent. Please enter the verification code:" {
		c.discard()
	}
	return response, nil
}

// Verify answers the signup verification prompt. The server closes the
// connection after replying either way.
func (c *Conn) Verify(code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", ErrNotConnected
	}

	response, err := c.exchange(code)
	if err != nil {
		return "", err
	}

	c.discard()
	return response, nil
}

// ForgotPassword requests a reset token for the account behind the email.
// On success the connection stays open for ResetPassword.
func (c *Conn) ForgotPassword(email string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	response, err := c.exchange("forgot_password", email)
	if err != nil {
		return "", err
	}

	if response != "Password reset token sent to "+email {
		c.discard()
	}
	return response, nil
}

// ResetPassword completes the forgot-password exchange. The server closes
// the connection after replying.
func (c *Conn) ResetPassword(username, token, newPassword string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", ErrNotConnected
	}

	response, err := c.exchange(username, token, newPassword)
	if err != nil {
		return "", err
	}

	c.discard()
	return response, nil
}

// Query uploads an image with its integrity hash and question, and returns
// the model's answer (or the server's rejection message). Requires a
// logged-in connection.
func (c *Conn) Query(image []byte, question string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", ErrNotConnected
	}
	conn := c.conn

	if err := protocol.WriteBlock(conn, image); err != nil {
		c.discard()
		return "", fmt.Errorf("send image: %w", err)
	}

	digest := sha256.Sum256(image)
	return c.exchange(hex.EncodeToString(digest[:]), question)
}

// History fetches the user's past analyses on a dedicated connection,
// newest first. Malformed records are dropped and logged.
func (c *Conn) History(username string) ([]protocol.HistoryEntry, error) {
	conn, err := tls.Dial("tcp", c.addr, &tls.Config{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := protocol.WriteToken(conn, "get_history"); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := protocol.WriteToken(conn, username); err != nil {
		return nil, fmt.Errorf("send username: %w", err)
	}

	scanner := protocol.NewHistoryScanner(conn)
	scanner.OnMalformed = func(raw string) {
		c.log.Warn("Dropping malformed history entry", zap.String("entry", raw))
	}

	var entries []protocol.HistoryEntry
	for scanner.Scan() {
		entries = append(entries, scanner.Entry())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	return entries, nil
}

// Logout announces the end of the session and closes the connection.
func (c *Conn) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := protocol.WriteBye(c.conn)
	c.discard()
	return err
}

// Close drops the connection without the logout exchange.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discard()
	return nil
}
