// Package identity defines the identity provider contract and the
// per-browser auth client that tracks the signed-in user.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrSessionRevoked is returned when the provider no longer accepts a
	// user's token (signed out elsewhere, expired, revoked).
	ErrSessionRevoked = errors.New("session revoked")

	// ErrUserNotFound is returned when the provider has no record of the user.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotSignedIn is returned by operations that need a current user.
	ErrNotSignedIn = errors.New("no user is signed in")
)

// User is the provider-issued user record. The application treats it as
// read-only.
type User struct {
	UID           string
	Email         string
	EmailVerified bool

	// IDToken is the provider's opaque session token for this user.
	IDToken string
	// RefreshToken, when the provider issues one, renews an expired IDToken.
	RefreshToken string
}

// Provider is the identity provider contract. Implementations are stateless
// with respect to "who is signed in"; that state lives in Auth.
type Provider interface {
	// SignIn verifies credentials and returns the user.
	SignIn(ctx context.Context, email, password string) (*User, error)

	// CreateAccount registers a new, unverified account and returns it
	// signed in.
	CreateAccount(ctx context.Context, email, password string) (*User, error)

	// SendVerificationEmail asks the provider to email a verification link.
	SendVerificationEmail(ctx context.Context, u *User) error

	// SignOut terminates the user's provider session.
	SignOut(ctx context.Context, u *User) error

	// Lookup re-reads the user record (for example after the email was
	// verified out of band).
	Lookup(ctx context.Context, u *User) (*User, error)
}

// Error is a provider failure carrying a user-facing message.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Message returns the text to show a user for err. Provider errors are
// surfaced verbatim; anything else gets a generic message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ierr *Error
	if errors.As(err, &ierr) && ierr.Message != "" {
		return ierr.Message
	}
	return "Authentication failed. Please try again."
}
