package transport_test

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vegsecai/vegsec/auth"
	"github.com/vegsecai/vegsec/certs"
	"github.com/vegsecai/vegsec/storage"
	"github.com/vegsecai/vegsec/transport"
)

// modelFunc adapts a function to the inference.Model interface.
type modelFunc func(ctx context.Context, imagePath, question string) (string, error)

func (f modelFunc) Answer(ctx context.Context, imagePath, question string) (string, error) {
	return f(ctx, imagePath, question)
}

func stubModel(answer string) modelFunc {
	return func(context.Context, string, string) (string, error) {
		return answer, nil
	}
}

// recorderMailer captures dispatched codes and tokens so tests can play
// the email round trip.
type recorderMailer struct {
	mu     sync.Mutex
	codes  map[string]string
	tokens map[string]string
}

func newRecorderMailer() *recorderMailer {
	return &recorderMailer{
		codes:  make(map[string]string),
		tokens: make(map[string]string),
	}
}

func (r *recorderMailer) SendVerificationCode(email, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[email] = code
	return nil
}

func (r *recorderMailer) SendResetToken(email, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[email] = token
	return nil
}

func (r *recorderMailer) codeFor(email string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[email]
}

func (r *recorderMailer) tokenFor(email string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[email]
}

type testServer struct {
	server *transport.Server
	store  *storage.MemoryStore
	mailer *recorderMailer
	dir    string
}

type serverOption func(*transport.Options)

func withMaxSessions(n int) serverOption {
	return func(o *transport.Options) { o.MaxSessions = n }
}

func withHistory(h storage.HistoryStore) serverOption {
	return func(o *transport.Options) { o.History = h }
}

func withModel(m modelFunc) serverOption {
	return func(o *transport.Options) { o.Model = m }
}

func makeServer(opts ...serverOption) *testServer {
	dir, err := os.MkdirTemp("", "vegsec-transport")
	Expect(err).To(Succeed())

	certFile, keyFile, err := certs.Ensure(
		filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	Expect(err).To(Succeed())

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	Expect(err).To(Succeed())

	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	ts := &testServer{
		store:  storage.NewMemoryStore(),
		mailer: newRecorderMailer(),
		dir:    dir,
	}

	options := transport.Options{
		Host:      "127.0.0.1",
		Port:      0,
		ImageDir:  filepath.Join(dir, "images"),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
		Identity:  ts.store,
		History:   ts.store,
		Mailer:    ts.mailer,
		Model:     stubModel("It is a carrot."),
		Limiter:   auth.NewRateLimiter(),
		Log:       log,
	}

	for _, opt := range opts {
		opt(&options)
	}

	ts.server = transport.NewServer(options)
	Expect(ts.server.Start(context.Background())).To(Succeed())

	return ts
}

func (ts *testServer) close() {
	Expect(ts.server.Close()).To(Succeed())
	Expect(os.RemoveAll(ts.dir)).To(Succeed())
}

// addVerifiedUser seeds an account that can log in with the password.
func (ts *testServer) addVerifiedUser(username, password, email string) {
	digest, err := auth.HashPassword(password)
	Expect(err).To(Succeed())

	Expect(ts.store.SaveUser(context.Background(), storage.User{
		Username:     username,
		PasswordHash: digest,
		Email:        email,
		Verified:     true,
	})).To(Succeed())
}

func (ts *testServer) dial() net.Conn {
	// The desktop client trusts any certificate, no hostname or chain
	// verification.
	conn, err := tls.Dial("tcp", ts.server.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
	})
	Expect(err).To(Succeed())
	return conn
}

func sendToken(conn net.Conn, token string) {
	_, err := conn.Write([]byte(token))
	Expect(err).To(Succeed())
}

func recvToken(conn net.Conn) string {
	buf := make([]byte, 1024)
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	n, err := conn.Read(buf)
	Expect(err).To(Succeed())
	return string(buf[:n])
}

func sha256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// jpegPayload builds an n-byte payload opening with the JPEG signature.
func jpegPayload(n int) []byte {
	payload := make([]byte, n)
	copy(payload, []byte{0xFF, 0xD8, 0xFF})
	for i := 3; i < n; i++ {
		payload[i] = byte(i)
	}
	return payload
}

// login drives the login exchange and asserts success.
func login(conn net.Conn, username, password string) {
	sendToken(conn, "login")
	sendToken(conn, username)
	sendToken(conn, password)
	Expect(recvToken(conn)).To(Equal("Login successful"))
}

func waitForClose(conn net.Conn) {
	// Wait for the server to close the connection on us.
	timeout := time.After(10 * time.Second)

waitForClose:
	for {
		select {
		case <-timeout:
			Fail("The connection was never closed by the server")
			break waitForClose

		case <-time.After(10 * time.Millisecond):
			one := make([]byte, 1)
			Expect(conn.SetReadDeadline(time.Now())).To(Succeed())
			_, err := conn.Read(one)

			if err == nil {
				continue
			}

			timeoutErr, ok := err.(net.Error)
			if !ok || !timeoutErr.Timeout() {
				break waitForClose
			}
		}
	}
}
