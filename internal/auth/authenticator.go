package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Authenticator checks credentials against the user directory and issues
// and verifies access tokens.
type Authenticator struct {
	users  UserRepository
	secret string
	ttl    time.Duration
}

// NewAuthenticator creates an Authenticator. ttl <= 0 uses DefaultTokenTTL.
func NewAuthenticator(users UserRepository, secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{users: users, secret: secret, ttl: ttl}
}

// TokenTTL returns the lifetime of issued tokens.
func (a *Authenticator) TokenTTL() time.Duration {
	return a.ttl
}

// Login verifies username and password and issues a token.
//
// Unknown usernames and wrong passwords both return ErrInvalidCredentials
// and take the same time. A disabled account with the right password
// returns ErrUserInactive.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := a.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			burnVerify(password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password for %s: %w", user.ID, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	token, expires, err := GenerateAccessToken(user, a.secret, a.ttl)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, User: *user}, nil
}

// Verify validates a bearer token and returns its caller.
func (a *Authenticator) Verify(token string) (Caller, error) {
	claims, err := ParseToken(token, a.secret)
	if err != nil {
		return Caller{}, err
	}
	return claims.Caller(), nil
}
