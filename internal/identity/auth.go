package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

// Observer is called on every auth-state transition with the current user,
// or nil when nobody is signed in. Observers run on the goroutine that
// caused the transition and must not call state-changing Auth methods.
type Observer func(u *User)

// Auth is one client's view of the identity provider: it remembers the
// signed-in user and notifies observers when that changes. Each browser
// workspace owns one Auth.
type Auth struct {
	provider Provider

	mu        sync.Mutex
	current   *User
	observers map[uint64]Observer
	nextID    uint64

	// notifyMu serializes transitions so observers see them in order.
	notifyMu sync.Mutex
}

// NewAuth creates an auth client backed by provider.
func NewAuth(provider Provider) *Auth {
	return &Auth{
		provider:  provider,
		observers: make(map[uint64]Observer),
	}
}

// OnAuthStateChanged registers fn and immediately calls it with the current
// state. The returned function deregisters fn; calling it more than once
// is safe.
func (a *Auth) OnAuthStateChanged(fn Observer) (unsubscribe func()) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.observers[id] = fn
	current := cloneUser(a.current)
	a.mu.Unlock()
	metrics.AddAuthObservers(1)

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.observers, id)
			a.mu.Unlock()
			metrics.AddAuthObservers(-1)
		})
	}
}

// ObserverCount returns the number of registered observers.
func (a *Auth) ObserverCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (a *Auth) CurrentUser() *User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneUser(a.current)
}

// SignInWithEmailAndPassword verifies credentials with the provider and, on
// success, makes the returned user current.
func (a *Auth) SignInWithEmailAndPassword(ctx context.Context, email, password string) (*User, error) {
	u, err := a.provider.SignIn(ctx, email, password)
	metrics.RecordAuthAttempt("sign_in", err == nil)
	if err != nil {
		logging.WithContext(ctx).Info("sign-in rejected", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	a.setCurrent(u)
	return cloneUser(u), nil
}

// CreateUserWithEmailAndPassword registers a new account and signs it in.
// The new user is unverified.
func (a *Auth) CreateUserWithEmailAndPassword(ctx context.Context, email, password string) (*User, error) {
	u, err := a.provider.CreateAccount(ctx, email, password)
	metrics.RecordAuthAttempt("create_account", err == nil)
	if err != nil {
		logging.WithContext(ctx).Info("account creation rejected", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	logging.WithContext(ctx).Info("account created", zap.String("email", u.Email))
	a.setCurrent(u)
	return cloneUser(u), nil
}

// SendEmailVerification asks the provider to send u a verification link.
func (a *Auth) SendEmailVerification(ctx context.Context, u *User) error {
	if u == nil {
		return ErrNotSignedIn
	}
	err := a.provider.SendVerificationEmail(ctx, u)
	metrics.RecordAuthAttempt("send_verification", err == nil)
	if err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// SignOut terminates the provider session of the current user and clears
// it. Signing out with nobody signed in is a no-op.
func (a *Auth) SignOut(ctx context.Context) error {
	u := a.CurrentUser()
	if u == nil {
		return nil
	}
	err := a.provider.SignOut(ctx, u)
	metrics.RecordAuthAttempt("sign_out", err == nil)
	// The local session ends regardless of what the provider said.
	a.setCurrent(nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Reload re-reads the current user from the provider and notifies observers
// if anything observable changed. A revoked or deleted account signs the
// client out.
func (a *Auth) Reload(ctx context.Context) error {
	u := a.CurrentUser()
	if u == nil {
		return nil
	}
	fresh, err := a.provider.Lookup(ctx, u)
	if errors.Is(err, ErrSessionRevoked) || errors.Is(err, ErrUserNotFound) {
		logging.WithContext(ctx).Info("session invalidated by provider", zap.String("email", u.Email), zap.Error(err))
		a.setCurrent(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload user: %w", err)
	}
	if fresh.IDToken == "" {
		fresh.IDToken = u.IDToken
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = u.RefreshToken
	}

	a.mu.Lock()
	same := a.current != nil && a.current.UID == fresh.UID &&
		a.current.Email == fresh.Email && a.current.EmailVerified == fresh.EmailVerified
	if same {
		// Token renewal is not an observable transition.
		a.current.IDToken = fresh.IDToken
		a.current.RefreshToken = fresh.RefreshToken
	}
	a.mu.Unlock()
	if same {
		return nil
	}
	a.setCurrent(fresh)
	return nil
}

func (a *Auth) setCurrent(u *User) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	a.current = cloneUser(u)
	observers := make([]Observer, 0, len(a.observers))
	for _, fn := range a.observers {
		observers = append(observers, fn)
	}
	a.mu.Unlock()

	for _, fn := range observers {
		fn(cloneUser(u))
	}
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
