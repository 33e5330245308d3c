package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath and applies the
// schema. Initialization is idempotent.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	// WAL keeps concurrent sessions from tripping over each other.
	dsn := dbPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT,
		email TEXT,
		reset_token TEXT,
		token_expiry INTEGER,
		verified INTEGER DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS verification_codes (
		email TEXT PRIMARY KEY,
		code TEXT,
		expiry INTEGER
	);

	CREATE TABLE IF NOT EXISTS image_cache (
		image_hash TEXT PRIMARY KEY,
		username TEXT,
		question TEXT,
		answer TEXT,
		file_path TEXT,
		timestamp INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE username = ?`, username).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) EmailExists(ctx context.Context, email string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE email = ?`, email).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) SaveUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, email, verified) VALUES (?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Email, boolToInt(user.Verified))
	return err
}

func (s *SQLiteStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	var (
		user     User
		verified int
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, verified, email FROM users WHERE username = ?`, username).
		Scan(&user.PasswordHash, &verified, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user.Username = username
	user.Verified = verified != 0
	return &user, nil
}

func (s *SQLiteStore) UsernameByEmail(ctx context.Context, email string) (string, error) {
	var username string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE email = ?`, email).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return username, nil
}

func (s *SQLiteStore) SaveVerificationCode(ctx context.Context, email, code string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO verification_codes (email, code, expiry) VALUES (?, ?, ?)`,
		email, code, expiry.Unix())
	return err
}

func (s *SQLiteStore) VerificationCode(ctx context.Context, email string) (string, time.Time, bool, error) {
	var (
		code   string
		expiry int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT code, expiry FROM verification_codes WHERE email = ?`, email).
		Scan(&code, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}

	return code, time.Unix(expiry, 0), true, nil
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET verified = 1 WHERE email = ?`, email)
	return err
}

func (s *SQLiteStore) DeleteVerificationCode(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE email = ?`, email)
	return err
}

func (s *SQLiteStore) SaveResetToken(ctx context.Context, username, token string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET reset_token = ?, token_expiry = ? WHERE username = ?`,
		token, expiry.Unix(), username)
	return err
}

func (s *SQLiteStore) ResetToken(ctx context.Context, username string) (string, time.Time, bool, error) {
	var (
		token  sql.NullString
		expiry sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT reset_token, token_expiry FROM users WHERE username = ?`, username).
		Scan(&token, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}

	return token.String, time.Unix(expiry.Int64, 0), true, nil
}

func (s *SQLiteStore) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, reset_token = NULL, token_expiry = NULL WHERE username = ?`,
		passwordHash, username)
	return err
}

func (s *SQLiteStore) SaveImageCache(ctx context.Context, rec HistoryRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO image_cache
		 (image_hash, username, question, answer, file_path, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ImageHash, rec.Username, rec.Question, rec.Answer, rec.FilePath, ts.Unix())
	return err
}

func (s *SQLiteStore) History(ctx context.Context, username string) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, image_hash, question, answer, file_path
		 FROM image_cache
		 WHERE username = ?
		 ORDER BY timestamp DESC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec    HistoryRecord
			ts     int64
			answer sql.NullString
		)

		if err := rows.Scan(&ts, &rec.ImageHash, &rec.Question, &answer, &rec.FilePath); err != nil {
			return nil, err
		}

		rec.Username = username
		rec.Timestamp = time.Unix(ts, 0)
		rec.Answer = answer.String

		records = append(records, rec)
	}

	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
