// Package authpw provides email/password authentication with unique,
// normalized usernames.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tablon/api/internal/store"
)

// MinPasswordLen is the minimum accepted password length.
const MinPasswordLen = 6

// Error is a provider error with a stable code and the form field it belongs
// to, so the client can render it inline. Messages are user-facing (Spanish,
// matching the board's UI language).
type Error struct {
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrAccountNotFound = &Error{Code: "auth/user-not-found", Field: "email", Message: "No existe una cuenta con este correo."}
	ErrWrongPassword   = &Error{Code: "auth/wrong-password", Field: "password", Message: "Contraseña incorrecta."}
	ErrInvalidEmail    = &Error{Code: "auth/invalid-email", Field: "email", Message: "Correo electrónico no válido."}
	ErrEmailInUse      = &Error{Code: "auth/email-already-in-use", Field: "email", Message: "Este correo electrónico ya está en uso."}
	ErrWeakPassword    = &Error{Code: "auth/weak-password", Field: "password", Message: "La contraseña debe tener al menos 6 caracteres."}
	ErrUsernameTaken   = &Error{Code: "auth/username-taken", Field: "username", Message: "El nombre de usuario ya está en uso."}
	ErrUsernameEmpty   = &Error{Code: "auth/invalid-username", Field: "username", Message: "El nombre de usuario es obligatorio."}
)

// UserStore is the storage interface the provider needs.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	IsUsernameTaken(ctx context.Context, username string) (bool, error)
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeUsername trims, collapses inner whitespace to underscores, and
// lowercases. Uniqueness is checked against the normalized form.
func NormalizeUsername(username string) string {
	return strings.ToLower(whitespaceRun.ReplaceAllString(strings.TrimSpace(username), "_"))
}

type SignUpRequest struct {
	Username string
	Email    string
	Password string
}

// SignUp validates the request, creates the account, and returns it. All
// failures are *Error values except storage faults, which are wrapped.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	username := NormalizeUsername(req.Username)
	if username == "" {
		return store.User{}, ErrUsernameEmpty
	}
	if err := validation.Validate(req.Email, validation.Required, is.Email); err != nil {
		return store.User{}, ErrInvalidEmail
	}
	if len(req.Password) < MinPasswordLen {
		return store.User{}, ErrWeakPassword
	}

	taken, err := s.store.IsUsernameTaken(ctx, username)
	if err != nil {
		return store.User{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return store.User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Username was pre-checked, so the collision is on email.
			return store.User{}, ErrEmailInUse
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates by email and password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if err := validation.Validate(req.Email, validation.Required, is.Email); err != nil {
		return store.User{}, ErrInvalidEmail
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrAccountNotFound
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrWrongPassword
	}
	return user, nil
}

// IsUsernameTaken reports whether the normalized username is already in use.
func (s *Service) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	normalized := NormalizeUsername(username)
	if normalized == "" {
		return false, nil
	}
	return s.store.IsUsernameTaken(ctx, normalized)
}
