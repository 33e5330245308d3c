package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type codeEntry struct {
	code   string
	expiry time.Time
}

type tokenEntry struct {
	token  string
	expiry time.Time
}

// MemoryStore is an in-process Store. It backs the test suites and serves
// as a fallback when no database path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]User
	codes   map[string]codeEntry
	tokens  map[string]tokenEntry
	history map[string][]HistoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		codes:   make(map[string]codeEntry),
		tokens:  make(map[string]tokenEntry),
		history: make(map[string][]HistoryRecord),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.users[username]
	return ok, nil
}

func (m *MemoryStore) EmailExists(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SaveUser(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[user.Username] = user
	return nil
}

func (m *MemoryStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) UsernameByEmail(ctx context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			return u.Username, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) SaveVerificationCode(ctx context.Context, email, code string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[email] = codeEntry{code: code, expiry: expiry}
	return nil
}

func (m *MemoryStore) VerificationCode(ctx context.Context, email string) (string, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.codes[email]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return entry.code, entry.expiry, true, nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, u := range m.users {
		if u.Email == email {
			u.Verified = true
			m.users[name] = u
		}
	}
	return nil
}

func (m *MemoryStore) DeleteVerificationCode(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.codes, email)
	return nil
}

func (m *MemoryStore) SaveResetToken(ctx context.Context, username, token string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		m.tokens[username] = tokenEntry{token: token, expiry: expiry}
	}
	return nil
}

func (m *MemoryStore) ResetToken(ctx context.Context, username string) (string, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; !ok {
		return "", time.Time{}, false, nil
	}

	entry := m.tokens[username]
	return entry.token, entry.expiry, true, nil
}

func (m *MemoryStore) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[username]; ok {
		u.PasswordHash = passwordHash
		m.users[username] = u
		delete(m.tokens, username)
	}
	return nil
}

func (m *MemoryStore) SaveImageCache(ctx context.Context, rec HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	records := m.history[rec.Username]

	// image_hash is the primary key, later saves replace earlier ones.
	for i, existing := range records {
		if existing.ImageHash == rec.ImageHash {
			records[i] = rec
			m.history[rec.Username] = records
			return nil
		}
	}

	m.history[rec.Username] = append(records, rec)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, username string) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := append([]HistoryRecord(nil), m.history[username]...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	return records, nil
}

var _ Store = (*MemoryStore)(nil)
