package client_test

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vegsecai/vegsec/auth"
	"github.com/vegsecai/vegsec/certs"
	"github.com/vegsecai/vegsec/client"
	"github.com/vegsecai/vegsec/storage"
	"github.com/vegsecai/vegsec/transport"
)

type stubModel struct{}

func (stubModel) Answer(context.Context, string, string) (string, error) {
	return "It is a cucumber.", nil
}

// captureMailer records the codes and tokens the server sends out.
type captureMailer struct {
	mu     sync.Mutex
	codes  map[string]string
	tokens map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{
		codes:  make(map[string]string),
		tokens: make(map[string]string),
	}
}

func (m *captureMailer) SendVerificationCode(email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *captureMailer) SendResetToken(email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[email] = token
	return nil
}

func (m *captureMailer) codeFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

func (m *captureMailer) tokenFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

var _ = Describe("Conn", func() {
	var (
		dir    string
		store  *storage.MemoryStore
		mailer *captureMailer
		server *transport.Server
		conn   *client.Conn
	)

	jpeg := func(n int) []byte {
		payload := make([]byte, n)
		copy(payload, []byte{0xFF, 0xD8, 0xFF})
		return payload
	}

	addUser := func(username, password, email string) {
		digest, err := auth.HashPassword(password)
		Expect(err).To(Succeed())

		Expect(store.SaveUser(context.Background(), storage.User{
			Username:     username,
			PasswordHash: digest,
			Email:        email,
			Verified:     true,
		})).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "vegsec-client")
		Expect(err).To(Succeed())

		certFile, keyFile, err := certs.Ensure(
			filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
		Expect(err).To(Succeed())

		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		Expect(err).To(Succeed())

		log, err := zap.NewDevelopment()
		Expect(err).To(Succeed())

		store = storage.NewMemoryStore()
		mailer = newCaptureMailer()

		server = transport.NewServer(transport.Options{
			Host:      "127.0.0.1",
			Port:      0,
			ImageDir:  filepath.Join(dir, "images"),
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
			Identity:  store,
			History:   store,
			Mailer:    mailer,
			Model:     stubModel{},
			Log:       log,
		})
		Expect(server.Start(context.Background())).To(Succeed())

		conn = client.New(server.Addr().String(), log)
	})

	AfterEach(func() {
		Expect(conn.Close()).To(Succeed())
		Expect(server.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("logs in, queries and logs out on one connection", func() {
		addUser("alice", "hunter2", "alice@example.com")

		response, err := conn.Login("alice", "hunter2")
		Expect(err).To(Succeed())
		Expect(response).To(Equal(client.MsgLoginOK))

		answer, err := conn.Query(jpeg(24), "What is this?")
		Expect(err).To(Succeed())
		Expect(answer).To(Equal("It is a cucumber."))

		answer, err = conn.Query(jpeg(48), "And this?")
		Expect(err).To(Succeed())
		Expect(answer).To(Equal("It is a cucumber."))

		Expect(conn.Logout()).To(Succeed())
	})

	It("surfaces a failed login and recovers on the next attempt", func() {
		addUser("alice", "hunter2", "alice@example.com")

		response, err := conn.Login("alice", "wrong")
		Expect(err).To(Succeed())
		Expect(response).To(Equal("Login failed"))

		// The failed attempt consumed its connection; the retry redials.
		response, err = conn.Login("alice", "hunter2")
		Expect(err).To(Succeed())
		Expect(response).To(Equal(client.MsgLoginOK))
	})

	It("refuses to query before logging in", func() {
		_, err := conn.Query(jpeg(8), "What is this?")
		Expect(err).To(MatchError(client.ErrNotConnected))
	})

	It("signs up and verifies a new account", func() {
		response, err := conn.Signup("bob", "s3cret", "bob@example.com")
		Expect(err).To(Succeed())
		Expect(response).To(Equal(
			"Verification code sent. Please enter the verification code:"))

		response, err = conn.Verify(mailer.codeFor("bob@example.com"))
		Expect(err).To(Succeed())
		Expect(response).To(Equal(client.MsgSignupOK))

		response, err = conn.Login("bob", "s3cret")
		Expect(err).To(Succeed())
		Expect(response).To(Equal(client.MsgLoginOK))
	})

	It("walks the password reset exchange", func() {
		addUser("alice", "hunter2", "alice@example.com")

		response, err := conn.ForgotPassword("alice@example.com")
		Expect(err).To(Succeed())
		Expect(response).To(Equal("Password reset token sent to alice@example.com"))

		token := mailer.tokenFor("alice@example.com")
		Expect(token).NotTo(BeEmpty())

		response, err = conn.ResetPassword("alice", token, "newpass")
		Expect(err).To(Succeed())
		Expect(response).To(Equal("Password successfully reset"))

		response, err = conn.Login("alice", "newpass")
		Expect(err).To(Succeed())
		Expect(response).To(Equal(client.MsgLoginOK))
	})

	It("reports an unknown reset email without dangling state", func() {
		response, err := conn.ForgotPassword("nobody@example.com")
		Expect(err).To(Succeed())
		Expect(response).To(Equal("Email not found"))

		_, err = conn.ResetPassword("alice", "token", "newpass")
		Expect(err).To(MatchError(client.ErrNotConnected))
	})

	Describe("History", func() {
		It("returns no entries for a fresh user", func() {
			entries, err := conn.History("alice")
			Expect(err).To(Succeed())
			Expect(entries).To(BeEmpty())
		})

		It("fetches entries newest first on its own connection", func() {
			base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.Local)

			Expect(store.SaveImageCache(context.Background(), storage.HistoryRecord{
				Timestamp: base.Add(-time.Hour),
				ImageHash: "older",
				Username:  "alice",
				Question:  "first?",
				Answer:    "yes",
			})).To(Succeed())
			Expect(store.SaveImageCache(context.Background(), storage.HistoryRecord{
				Timestamp: base,
				ImageHash: "newer",
				Username:  "alice",
				Question:  "second | question?",
				Answer:    "also | yes",
			})).To(Succeed())

			entries, err := conn.History("alice")
			Expect(err).To(Succeed())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ImageHash).To(Equal("newer"))
			Expect(entries[0].Question).To(Equal("second | question?"))
			Expect(entries[0].Answer).To(Equal("also | yes"))
			Expect(entries[1].ImageHash).To(Equal("older"))
		})
	})
})
