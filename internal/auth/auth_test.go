package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/store"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()

	v, err := NewVerifier("test-secret-0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)

	tok, err := v.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	sub, err := v.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("sub = %q, want alice", sub)
	}
}

func TestVerifierRejects(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)

	expired, err := v.IssueWithTTL("alice", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}

	other, err := NewVerifier("a-completely-different-secret", time.Hour)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	wrongKey, err := other.Issue("alice")
	if err != nil {
		t.Fatalf("issue wrong key: %v", err)
	}

	cases := []struct {
		name string
		tok  string
	}{
		{name: "garbage", tok: "not-a-token"},
		{name: "expired", tok: expired},
		{name: "wrong secret", tok: wrongKey},
		{name: "empty", tok: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := v.Parse(tc.tok); err == nil {
				t.Fatalf("Parse(%q) accepted an invalid credential", tc.tok)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	users := store.NewMemory()
	users.PutUser(&store.User{ID: "alice", Name: "Alice", IsActive: true})
	users.PutUser(&store.User{ID: "ghost", Name: "Ghost", IsActive: false})

	a := NewAuthenticator(v, users)
	ctx := context.Background()

	tok, err := v.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	u, err := a.Authenticate(ctx, tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != "alice" {
		t.Fatalf("user = %q, want alice", u.ID)
	}

	if _, err := a.Authenticate(ctx, ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("empty credential: %v", err)
	}
	if _, err := a.Authenticate(ctx, "garbage"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("garbage credential: %v", err)
	}

	unknown, _ := v.Issue("nobody")
	if _, err := a.Authenticate(ctx, unknown); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("unknown subject: %v", err)
	}

	inactive, _ := v.Issue("ghost")
	if _, err := a.Authenticate(ctx, inactive); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("inactive subject: %v", err)
	}
}
