package identity

import (
	"context"
	"time"
)

// User is paperbase's canonical security principal.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	Email        string
	EmailNorm    string

	DisplayName *string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DisabledAt *time.Time
}

// Active reports whether the account may sign in and hold sessions.
func (u User) Active() bool { return u.DisabledAt == nil }

// UserAuth carries a user plus the stored password hash, for login checks only.
// It must never be serialized to clients.
type UserAuth struct {
	User
	PasswordHash string
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Username    string
	Email       string
	Password    string
	DisplayName *string
	Now         time.Time
}

// Store is the account persistence boundary.
//
// OwnerActive doubles as the session subsystem's owner directory: a missing or
// disabled account answers false, nil rather than an error, so callers do not
// need to distinguish the two.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserAuthByUsername(ctx context.Context, username string) (UserAuth, error)
	GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error)

	SetDisabled(ctx context.Context, id string, disabled bool, now time.Time) error

	OwnerActive(ctx context.Context, ownerID string) (bool, error)
}
