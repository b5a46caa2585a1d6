package local

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

var (
	errNoAccount    = errors.New("account not found")
	errDuplicateKey = errors.New("account already exists")
)

// account maps to the users table.
type account struct {
	ID            int64
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

// Store is the PostgreSQL account store.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection gauge.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate applies the embedded schema files in name order. The files are
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.WithContext(ctx).Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func (s *Store) createAccount(ctx context.Context, email, passwordHash string) (*account, error) {
	defer observe("create_account", time.Now())

	a := &account{Email: email, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2)
		 RETURNING id, email_verified, created_at`,
		email, passwordHash).Scan(&a.ID, &a.EmailVerified, &a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, errDuplicateKey
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return a, nil
}

func (s *Store) accountByEmail(ctx context.Context, email string) (*account, error) {
	defer observe("account_by_email", time.Now())
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified, created_at
		 FROM users WHERE email = $1`, email))
}

func (s *Store) accountByID(ctx context.Context, id int64) (*account, error) {
	defer observe("account_by_id", time.Now())
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified, created_at
		 FROM users WHERE id = $1`, id))
}

func (s *Store) scanAccount(row *sql.Row) (*account, error) {
	var a account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.EmailVerified, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errNoAccount
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &a, nil
}

func (s *Store) markVerified(ctx context.Context, id int64) error {
	defer observe("mark_verified", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoAccount
	}
	return nil
}

func (s *Store) recordSession(ctx context.Context, tokenHash string, userID int64) error {
	defer observe("record_session", time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id) VALUES ($1, $2)`,
		tokenHash, userID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// sessionRevoked reports whether the session was revoked. Sessions the
// store has never seen count as revoked.
func (s *Store) sessionRevoked(ctx context.Context, tokenHash string) (bool, error) {
	defer observe("session_revoked", time.Now())
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked FROM sessions WHERE token_hash = $1`, tokenHash).Scan(&revoked)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return revoked, nil
}

func (s *Store) revokeSession(ctx context.Context, tokenHash string) error {
	defer observe("revoke_session", time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func observe(operation string, start time.Time) {
	metrics.RecordDBQuery(operation, time.Since(start))
}
