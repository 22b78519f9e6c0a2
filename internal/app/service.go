package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tablon/api/internal/auth"
	"tablon/api/internal/authpw"
	"tablon/api/internal/board"
	"tablon/api/internal/config"
	"tablon/api/internal/realtime"
	"tablon/api/internal/search"
	"tablon/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	IsUsernameTaken(context.Context, string) (bool, error)
	ListIdeas(context.Context) ([]board.Idea, error)
	InsertIdea(context.Context, board.Idea) error
	UpdateIdeaVotes(context.Context, string, int, []string) error
	DeleteIdea(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// SessionStore holds hashed refresh tokens. Redis in production, the
// PostgreSQL fallback when Redis is not configured.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PGSessionStore adapts the PostgreSQL refresh-session tables to the
// SessionStore shape used by the Redis store.
type PGSessionStore struct {
	store *store.PostgresStore
}

func NewPGSessionStore(dataStore *store.PostgresStore) PGSessionStore {
	return PGSessionStore{store: dataStore}
}

func (p PGSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p PGSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p PGSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	board    *board.Board
	feed     realtime.Feed
	authpw   *authpw.Service
	search   *search.Service
	logger   zerolog.Logger
}

// New wires the service around a shared board. The board persists through the
// store and every completed write publishes a change event on the feed, so
// all replicas converge on the stored state.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, feed realtime.Feed, searchService *search.Service, logger zerolog.Logger) *Service {
	return newService(cfg, dataStore, sessions, feed, searchService, logger)
}

func newService(cfg config.Config, dataStore dataStore, sessions SessionStore, feed realtime.Feed, searchService *search.Service, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		feed:     feed,
		authpw:   authpw.NewService(dataStore),
		search:   searchService,
		logger:   logger,
	}
	s.board = board.New(&storeBackend{store: s.store, feed: feed, logger: logger}, cfg.PageSize, logger)
	return s
}

// storeBackend persists board writes and announces each one on the feed.
type storeBackend struct {
	store  dataStore
	feed   realtime.Feed
	logger zerolog.Logger
}

func (b *storeBackend) WriteFull(ctx context.Context, idea board.Idea) error {
	if err := b.store.InsertIdea(ctx, idea); err != nil {
		return err
	}
	b.publish(ctx)
	return nil
}

func (b *storeBackend) WritePartial(ctx context.Context, id string, votes int, voters []string) error {
	if err := b.store.UpdateIdeaVotes(ctx, id, votes, voters); err != nil {
		return err
	}
	b.publish(ctx)
	return nil
}

func (b *storeBackend) Delete(ctx context.Context, id string) error {
	if err := b.store.DeleteIdea(ctx, id); err != nil {
		return err
	}
	b.publish(ctx)
	return nil
}

func (b *storeBackend) publish(ctx context.Context) {
	if err := b.feed.Publish(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("app: publish change event")
	}
}

// Bootstrap loads the authoritative idea snapshot into the board and, when
// search is configured, rebuilds the search index from it.
func (s *Service) Bootstrap(ctx context.Context) error {
	ideas, err := s.store.ListIdeas(ctx)
	if err != nil {
		return err
	}
	s.board.ApplySnapshot(ideas)
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// StartReconciler reacts to feed events by reloading the stored snapshot into
// the board. Runs until ctx is cancelled.
func (s *Service) StartReconciler(ctx context.Context) {
	go s.feed.Listen(ctx, func() {
		s.reloadSnapshot()
	})
}

func (s *Service) reloadSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ideas, err := s.store.ListIdeas(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("app: snapshot reload failed")
		return
	}
	s.board.ApplySnapshot(ideas)
}

func (s *Service) Board() *board.Board {
	return s.board
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth ---

func (s *Service) SignUp(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	return s.authpw.IsUsernameTaken(ctx, username)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := uuid.NewString() + uuid.NewString()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates the refresh token: the presented token is revoked and a new
// session is issued in its place.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- ideas ---

// AddIdea creates an idea on behalf of the session user. The board applies it
// optimistically; persistence and fan-out happen behind the returned value.
func (s *Service) AddIdea(session Session, title string) (board.Idea, error) {
	idea, _, err := s.board.Add(title, session.UserName, session.UserID)
	if err != nil {
		if errors.Is(err, board.ErrEmptyTitle) {
			return board.Idea{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "La idea no puede estar vacía.", map[string]any{"field": "title"})
		}
		if errors.Is(err, board.ErrTitleTooLong) {
			return board.Idea{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "La idea no puede superar los 40 caracteres.", map[string]any{"field": "title"})
		}
		return board.Idea{}, err
	}
	if s.search != nil {
		s.search.IndexIdea(search.IdeaRecord{ID: idea.ID, Title: idea.Title, Author: idea.Author, Votes: idea.Votes})
	}
	return idea, nil
}

// VoteIdea registers one vote for the session user. Applied is false when the
// user already voted or the idea is unknown.
func (s *Service) VoteIdea(session Session, ideaID string) (applied bool) {
	_, applied = s.board.Vote(ideaID, session.UserID)
	if applied && s.search != nil {
		if idea, ok := s.board.Get(ideaID); ok {
			s.search.IndexIdea(search.IdeaRecord{ID: idea.ID, Title: idea.Title, Author: idea.Author, Votes: idea.Votes})
		}
	}
	return applied
}

// DeleteIdea removes an idea. Only its creator may delete it.
func (s *Service) DeleteIdea(session Session, ideaID string) error {
	idea, ok := s.board.Get(ideaID)
	if !ok {
		return sql.ErrNoRows
	}
	if idea.AuthorID == "" || idea.AuthorID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Solo puedes eliminar tus propias ideas.", nil)
	}
	if _, ok := s.board.Delete(ideaID); !ok {
		return sql.ErrNoRows
	}
	if s.search != nil {
		s.search.DeleteIdea(ideaID)
	}
	return nil
}

// IdeasPage returns one ranked page plus paging metadata.
func (s *Service) IdeasPage(page int) map[string]any {
	ideas, total := s.board.Page(page)
	pageSize := s.board.PageSize()
	pages := (total + pageSize - 1) / pageSize
	if page < 1 {
		page = 1
	}
	return map[string]any{
		"ideas":    ideas,
		"page":     page,
		"pageSize": pageSize,
		"pages":    pages,
		"total":    total,
	}
}

func (s *Service) Search(query string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}
	}
	return s.search.Search(search.Query{Text: query, Limit: limit, Offset: offset})
}

// Flush waits for in-flight board writes. Used at shutdown and in tests.
func (s *Service) Flush() {
	s.board.Flush()
}
