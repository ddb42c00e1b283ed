package auth

import (
	"context"
	"errors"
	"fmt"

	"courier/internal/store"
)

// Authentication failures. Both are fatal to the connection attempt: the
// gateway refuses the upgrade and closes the transport.
var (
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrUserInactive      = errors.New("auth: user not found or inactive")
)

// Authenticator validates an inbound connection's credential and resolves it
// to a currently-active user identity.
type Authenticator struct {
	verifier *Verifier
	users    store.UserStore
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(verifier *Verifier, users store.UserStore) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

// Authenticate verifies credential and returns the user it belongs to.
// Failures map to ErrInvalidCredential (absent/malformed/expired credential)
// or ErrUserInactive (subject missing or deactivated).
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*store.User, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	userID, err := a.verifier.Parse(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	u, err := a.users.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserInactive
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolve user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrUserInactive
	}
	return u, nil
}
