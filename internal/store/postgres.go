package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tablon/api/internal/board"
)

// ErrConflict is returned when an insert violates a uniqueness constraint
// (duplicate email or username).
var ErrConflict = errors.New("conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE email=$1
	`, email))
}

// IsUsernameTaken checks normalized-username uniqueness before signup.
func (s *PostgresStore) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username=$1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- ideas ---

// ListIdeas returns the full unordered idea snapshot; ranking is the board's
// concern.
func (s *PostgresStore) ListIdeas(ctx context.Context) ([]board.Idea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author, COALESCE(author_id, ''), votes, voters, created_at
		FROM ideas
	`)
	if err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	defer rows.Close()

	ideas := make([]board.Idea, 0)
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

func (s *PostgresStore) GetIdea(ctx context.Context, id string) (board.Idea, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, COALESCE(author_id, ''), votes, voters, created_at
		FROM ideas WHERE id=$1
	`, id)
	return scanIdea(row)
}

// InsertIdea writes the full idea record, keyed by its client-generated id.
func (s *PostgresStore) InsertIdea(ctx context.Context, idea board.Idea) error {
	voters, err := json.Marshal(idea.Voters)
	if err != nil {
		return fmt.Errorf("marshal voters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ideas (id, title, author, author_id, votes, voters, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title, author=EXCLUDED.author, author_id=EXCLUDED.author_id,
			votes=EXCLUDED.votes, voters=EXCLUDED.voters, created_at=EXCLUDED.created_at
	`, idea.ID, idea.Title, idea.Author, idea.AuthorID, idea.Votes, voters, idea.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	return nil
}

// UpdateIdeaVotes merges only the votes and voters fields. Votes never
// decrease; a stale counter loses against the stored row.
func (s *PostgresStore) UpdateIdeaVotes(ctx context.Context, id string, votes int, voters []string) error {
	encoded, err := json.Marshal(voters)
	if err != nil {
		return fmt.Errorf("marshal voters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE ideas SET votes=$2, voters=$3 WHERE id=$1 AND votes <= $2
	`, id, votes, encoded)
	if err != nil {
		return fmt.Errorf("update idea votes: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIdea(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ideas WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete idea: %w", err)
	}
	return nil
}

// --- refresh sessions (PostgreSQL fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.email, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdea(row rowScanner) (board.Idea, error) {
	var idea board.Idea
	var voters []byte
	if err := row.Scan(&idea.ID, &idea.Title, &idea.Author, &idea.AuthorID, &idea.Votes, &voters, &idea.CreatedAt); err != nil {
		return board.Idea{}, err
	}
	if err := json.Unmarshal(voters, &idea.Voters); err != nil {
		return board.Idea{}, fmt.Errorf("decode voters for %s: %w", idea.ID, err)
	}
	if idea.Voters == nil {
		idea.Voters = []string{}
	}
	return idea, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
