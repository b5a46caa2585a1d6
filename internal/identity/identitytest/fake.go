// Package identitytest provides an in-memory identity provider for tests.
package identitytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinshare/pinshare/internal/identity"
)

// Calls counts provider invocations by operation.
type Calls struct {
	SignIn           int
	CreateAccount    int
	SendVerification int
	SignOut          int
	Lookup           int
}

// Total returns the number of provider calls of any kind.
func (c Calls) Total() int {
	return c.SignIn + c.CreateAccount + c.SendVerification + c.SignOut + c.Lookup
}

type account struct {
	uid      string
	password string
	verified bool
	revoked  bool
}

// Provider is an in-memory identity.Provider. The zero value is not usable;
// call New.
type Provider struct {
	mu       sync.Mutex
	accounts map[string]*account
	nextUID  int
	calls    Calls

	// Optional failures injected by tests.
	SignInErr       error
	CreateErr       error
	VerificationErr error
	SignOutErr      error
}

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{accounts: make(map[string]*account)}
}

// AddUser registers an account directly.
func (p *Provider) AddUser(email, password string, verified bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextUID++
	p.accounts[email] = &account{
		uid:      fmt.Sprintf("uid-%d", p.nextUID),
		password: password,
		verified: verified,
	}
}

// Verify marks an account's email as verified, as clicking the link would.
func (p *Provider) Verify(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[email]; ok {
		a.verified = true
	}
}

// Revoke invalidates every session of the account.
func (p *Provider) Revoke(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[email]; ok {
		a.revoked = true
	}
}

// Calls returns a snapshot of the call counters.
func (p *Provider) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) SignIn(_ context.Context, email, password string) (*identity.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignIn++
	if p.SignInErr != nil {
		return nil, p.SignInErr
	}
	a, ok := p.accounts[email]
	if !ok || a.password != password {
		return nil, identity.NewError("invalid-credential", "Firebase: Error (auth/invalid-credential).", nil)
	}
	a.revoked = false
	return p.user(email, a), nil
}

func (p *Provider) CreateAccount(_ context.Context, email, password string) (*identity.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.CreateAccount++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	if _, exists := p.accounts[email]; exists {
		return nil, identity.NewError("email-already-in-use", "Firebase: Error (auth/email-already-in-use).", nil)
	}
	p.nextUID++
	a := &account{uid: fmt.Sprintf("uid-%d", p.nextUID), password: password}
	p.accounts[email] = a
	return p.user(email, a), nil
}

func (p *Provider) SendVerificationEmail(_ context.Context, u *identity.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SendVerification++
	return p.VerificationErr
}

func (p *Provider) SignOut(_ context.Context, u *identity.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignOut++
	return p.SignOutErr
}

func (p *Provider) Lookup(_ context.Context, u *identity.User) (*identity.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Lookup++
	a, ok := p.accounts[u.Email]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	if a.revoked {
		return nil, identity.ErrSessionRevoked
	}
	return p.user(u.Email, a), nil
}

func (p *Provider) user(email string, a *account) *identity.User {
	return &identity.User{
		UID:           a.uid,
		Email:         email,
		EmailVerified: a.verified,
		IDToken:       "token-" + a.uid,
	}
}
