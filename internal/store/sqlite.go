package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
	now   func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetryPolicy overrides the SQLITE_BUSY retry policy.
func WithRetryPolicy(p shared.RetryPolicy) Option {
	return func(s *SQLiteStore) { s.retry = p }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Transactions start
	// IMMEDIATE so a read-modify-write holds the write lock from its first read.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		onboarding_started INTEGER NOT NULL DEFAULT 0,
		onboarding_completed INTEGER NOT NULL DEFAULT 0,
		onboarding_step TEXT NOT NULL DEFAULT '',
		credential_flags TEXT NOT NULL DEFAULT '{}',
		demo_mode INTEGER NOT NULL DEFAULT 0,
		last_channel TEXT NOT NULL DEFAULT '',
		onboarding_started_at INTEGER,
		onboarding_completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, provider)
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user_created ON interactions(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `user_id, onboarding_started, onboarding_completed, onboarding_step,
	credential_flags, demo_mode, last_channel, onboarding_started_at,
	onboarding_completed_at, created_at, updated_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var step, flagsJSON, channel string
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.OnboardingStarted, &user.OnboardingCompleted, &step,
		&flagsJSON, &user.DemoMode, &channel, &startedAt,
		&completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.OnboardingStep = domain.OnboardingStep(step)
	user.LastChannel = domain.ChannelKind(channel)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		user.OnboardingStartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		user.OnboardingCompletedAt = &t
	}
	if err := json.Unmarshal([]byte(flagsJSON), &user.CredentialFlags); err != nil {
		slog.Warn("Discarding unreadable credential flags", "user_id", user.UserID, "error", err)
		user.CredentialFlags = nil
	}
	user.Normalize()
	return &user, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan user row: %v", domain.ErrPersistence, err)
	}
	return user, nil
}

// MergeUpdate applies patch inside a transaction. The whole row is rewritten
// from the merged record, so the last writer wins on every field it touched.
func (s *SQLiteStore) MergeUpdate(ctx context.Context, userID string, patch domain.UserPatch) (*domain.User, error) {
	var merged *domain.User
	err := shared.RetryOnConflict(ctx, s.retry, "merge_update", func() error {
		var err error
		merged, err = s.mergeUpdateOnce(ctx, userID, patch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: merge update %s: %v", domain.ErrPersistence, userID, err)
	}
	return merged, nil
}

func (s *SQLiteStore) mergeUpdateOnce(ctx context.Context, userID string, patch domain.UserPatch) (*domain.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back merge update", "user_id", userID, "error", rbErr)
		}
	}()

	now := s.now()
	current, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		current = domain.NewUser(userID, now)
	} else if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	merged := current.Apply(patch, now)
	flagsJSON, err := json.Marshal(merged.CredentialFlags)
	if err != nil {
		return nil, fmt.Errorf("encode flags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO users (`+userColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		onboarding_started = excluded.onboarding_started,
		onboarding_completed = excluded.onboarding_completed,
		onboarding_step = excluded.onboarding_step,
		credential_flags = excluded.credential_flags,
		demo_mode = excluded.demo_mode,
		last_channel = excluded.last_channel,
		onboarding_started_at = excluded.onboarding_started_at,
		onboarding_completed_at = excluded.onboarding_completed_at,
		updated_at = excluded.updated_at`,
		merged.UserID, merged.OnboardingStarted, merged.OnboardingCompleted, string(merged.OnboardingStep),
		string(flagsJSON), merged.DemoMode, string(merged.LastChannel), unixOrNil(merged.OnboardingStartedAt),
		unixOrNil(merged.OnboardingCompletedAt), merged.CreatedAt.Unix(), merged.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return merged, nil
}

// StoreCredential upserts credential material for a provider.
func (s *SQLiteStore) StoreCredential(ctx context.Context, userID string, provider domain.Provider, blob []byte) error {
	query := `
	INSERT INTO credentials (user_id, provider, data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, provider) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at`

	now := s.now().Unix()
	err := shared.RetryOnConflict(ctx, s.retry, "store_credential", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, string(provider), blob, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: store %s credential: %v", domain.ErrPersistence, provider, err)
	}
	return nil
}

// HasCredential reports whether credential material exists for a provider.
func (s *SQLiteStore) HasCredential(ctx context.Context, userID string, provider domain.Provider) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credentials WHERE user_id = ? AND provider = ?`,
		userID, string(provider)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: count credentials: %v", domain.ErrPersistence, err)
	}
	return n > 0, nil
}

// DeleteUser removes a user with its credentials and interactions.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin delete: %v", domain.ErrPersistence, err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back delete", "user_id", userID, "error", rbErr)
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("%w: delete user: %v", domain.ErrPersistence, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: user rows affected: %v", domain.ErrPersistence, err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM credentials WHERE user_id = ?`,
		`DELETE FROM interactions WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("%w: delete user data: %v", domain.ErrPersistence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete: %v", domain.ErrPersistence, err)
	}
	return nil
}

// LogInteraction records an inbound event.
func (s *SQLiteStore) LogInteraction(ctx context.Context, in domain.Interaction) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	err := shared.RetryOnConflict(ctx, s.retry, "log_interaction", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO interactions (id, user_id, kind, channel, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			in.ID, in.UserID, in.Kind, string(in.Channel), in.Detail, in.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: log interaction: %v", domain.ErrPersistence, err)
	}
	return nil
}

// ListActiveUsers returns users with an interaction at or after since.
func (s *SQLiteStore) ListActiveUsers(ctx context.Context, since time.Time) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id IN (
		SELECT DISTINCT user_id FROM interactions WHERE created_at >= ?
	) ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: query active users: %v", domain.ErrPersistence, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active users rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan active user: %v", domain.ErrPersistence, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate active users: %v", domain.ErrPersistence, err)
	}
	return users, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
