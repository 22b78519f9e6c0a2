package store

import "time"

// User is a registered account. Username doubles as the public author name on
// ideas; it is unique after normalization.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
