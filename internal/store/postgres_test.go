package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tablon/api/internal/board"
)

// Integration test against a throwaway database. Skipped unless a DSN is
// provided, so the suite stays runnable without infrastructure.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TABLON_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TABLON_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Applying again must be a no-op.
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	s := NewPostgresStore(db)

	user := User{ID: "u1", Username: "ana", Email: "ana@example.com", PasswordHash: "x"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "u2", Username: "otra", Email: "ana@example.com", PasswordHash: "x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
	if taken, err := s.IsUsernameTaken(ctx, "ana"); err != nil || !taken {
		t.Fatalf("expected username taken, got %v %v", taken, err)
	}

	idea := board.Idea{
		ID:        "i1",
		Title:     "Más charlas de Go",
		Author:    "ana",
		AuthorID:  "u1",
		Votes:     0,
		Voters:    []string{},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertIdea(ctx, idea); err != nil {
		t.Fatalf("insert idea: %v", err)
	}

	if err := s.UpdateIdeaVotes(ctx, "i1", 2, []string{"u1", "u2"}); err != nil {
		t.Fatalf("update votes: %v", err)
	}
	// Stale counters lose: votes never go backwards.
	if err := s.UpdateIdeaVotes(ctx, "i1", 1, []string{"u1"}); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, err := s.GetIdea(ctx, "i1")
	if err != nil {
		t.Fatalf("get idea: %v", err)
	}
	if got.Votes != 2 || len(got.Voters) != 2 {
		t.Fatalf("expected 2 votes to survive stale write, got %+v", got)
	}
	if got.AuthorID != "u1" {
		t.Fatalf("expected author id preserved, got %q", got.AuthorID)
	}

	ideas, err := s.ListIdeas(ctx)
	if err != nil || len(ideas) != 1 {
		t.Fatalf("list ideas: %v (%d)", err, len(ideas))
	}

	hash := "deadbeef"
	expires := time.Now().Add(time.Hour)
	if err := s.SaveRefreshSession(ctx, hash, "u1", expires); err != nil {
		t.Fatalf("save refresh session: %v", err)
	}
	if sessionUser, err := s.LookupRefreshSession(ctx, hash); err != nil || sessionUser.ID != "u1" {
		t.Fatalf("lookup refresh session: %v %+v", err, sessionUser)
	}
	if err := s.RevokeRefreshSession(ctx, hash); err != nil {
		t.Fatalf("revoke refresh session: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, hash); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected revoked session to be gone, got %v", err)
	}

	if err := s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke access token: %v", err)
	}
	if revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("expected jti revoked, got %v %v", revoked, err)
	}

	if err := s.DeleteIdea(ctx, "i1"); err != nil {
		t.Fatalf("delete idea: %v", err)
	}
	if _, err := s.GetIdea(ctx, "i1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected deleted idea gone, got %v", err)
	}
}
