// Package mail dispatches verification codes and password reset tokens by
// email. Delivery is fire-and-forget from the protocol's point of view.
package mail

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"

	"go.uber.org/zap"
)

// Sender is the email collaborator consumed by connection sessions.
type Sender interface {
	SendVerificationCode(email, code string) error
	SendResetToken(email, token string) error
}

// SMTPSender delivers through an SMTPS (implicit TLS, port 465) endpoint,
// authenticating with a single service account.
type SMTPSender struct {
	Host     string
	Port     int
	Email    string
	Password string
}

func NewSMTPSender(email, password string) *SMTPSender {
	return &SMTPSender{
		Host:     "smtp.gmail.com",
		Port:     465,
		Email:    email,
		Password: password,
	}
}

func (s *SMTPSender) SendVerificationCode(email, code string) error {
	body := fmt.Sprintf("Your verification code is: %s\nThis code will expire in 30 minutes.", code)
	return s.send(email, "Email Verification Code", body)
}

func (s *SMTPSender) SendResetToken(email, token string) error {
	body := fmt.Sprintf("Your password reset token is: %s\nThis token will expire in 30 minutes.", token)
	return s.send(email, "Password Reset Request", body)
}

func (s *SMTPSender) send(to, subject, body string) error {
	if s.Email == "" || s.Password == "" {
		return fmt.Errorf("smtp credentials are missing")
	}

	addr := net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))

	// Implicit TLS, the session is encrypted before SMTP starts.
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.Host})
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", s.Email, s.Password, s.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := client.Mail(s.Email); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", s.Email, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// LogSender drops every message on the floor, recording it in the log. It
// stands in for SMTP when no credentials are configured.
type LogSender struct {
	Log *zap.Logger
}

func (l *LogSender) SendVerificationCode(email, code string) error {
	l.Log.Info("Email dispatch disabled, verification code not sent",
		zap.String("email", email))
	return nil
}

func (l *LogSender) SendResetToken(email, token string) error {
	l.Log.Info("Email dispatch disabled, reset token not sent",
		zap.String("email", email))
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
