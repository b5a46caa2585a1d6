// Package session implements the gate that stands between a browser and
// the upload page: credential entry, account creation, and tracking of the
// verified user.
package session

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

// User-facing messages.
const (
	MsgDomainNotAllowed = "This email domain is not allowed for sign up."
	MsgVerificationSent = "A verification email has been sent. Please check your inbox."
)

// AllowedDomains may sign up. Matching is exact and case-sensitive.
var AllowedDomains = []string{"gmail.com", "outlook.com"}

// Mode selects which form the gate renders and which action it submits to.
type Mode int

const (
	ModeSignIn Mode = iota
	ModeSignUp
)

func (m Mode) String() string {
	if m == ModeSignUp {
		return "sign-up"
	}
	return "sign-in"
}

// View is a snapshot of the gate for rendering.
type View struct {
	Mode    Mode
	Message string
	// Email is the last address entered, for refilling the form.
	Email string
	// User is set only for a signed-in user with a verified email.
	User *identity.User
}

// Gate is one browser's session gate. It is safe for concurrent use.
type Gate struct {
	auth *identity.Auth

	mountMu     sync.Mutex
	unsubscribe func()

	mu      sync.Mutex
	mode    Mode
	message string
	email   string
	user    *identity.User
}

// New creates an unmounted gate over auth.
func New(auth *identity.Auth) *Gate {
	return &Gate{auth: auth}
}

// Mount subscribes to auth-state changes. The current state is applied
// before Mount returns. Mounting a mounted gate is a no-op.
func (g *Gate) Mount() {
	g.mountMu.Lock()
	defer g.mountMu.Unlock()
	if g.unsubscribe != nil {
		return
	}
	g.unsubscribe = g.auth.OnAuthStateChanged(g.onAuthStateChanged)
}

// Unmount releases the subscription. It is safe to call repeatedly.
func (g *Gate) Unmount() {
	g.mountMu.Lock()
	defer g.mountMu.Unlock()
	if g.unsubscribe == nil {
		return
	}
	g.unsubscribe()
	g.unsubscribe = nil
}

// Mounted reports whether the gate holds a subscription.
func (g *Gate) Mounted() bool {
	g.mountMu.Lock()
	defer g.mountMu.Unlock()
	return g.unsubscribe != nil
}

func (g *Gate) onAuthStateChanged(u *identity.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u != nil && u.EmailVerified {
		g.user = u
	} else {
		g.user = nil
	}
}

// SignIn submits credentials. Failures are reported through the message,
// never returned; a successful sign-in reaches User through the
// subscription.
func (g *Gate) SignIn(ctx context.Context, email, password string) {
	g.setEmail(email)
	_, err := g.auth.SignInWithEmailAndPassword(ctx, email, password)
	if err != nil {
		g.setMessage(identity.Message(err))
		return
	}
	g.setMessage("")
}

// SignUp creates an account for an allowed domain and requests a
// verification email for it. The new account stays signed out at the gate
// until its email is verified.
func (g *Gate) SignUp(ctx context.Context, email, password string) {
	g.setEmail(email)
	if !AllowedDomain(email) {
		metrics.RecordSignUpRejected()
		logging.WithContext(ctx).Info("sign-up domain rejected", zap.String("email", email))
		g.setMessage(MsgDomainNotAllowed)
		return
	}

	u, err := g.auth.CreateUserWithEmailAndPassword(ctx, email, password)
	if err != nil {
		g.setMessage(identity.Message(err))
		return
	}
	if err := g.auth.SendEmailVerification(ctx, u); err != nil {
		logging.WithContext(ctx).Warn("verification email failed", zap.String("email", email), zap.Error(err))
		g.setMessage(identity.Message(err))
		return
	}
	g.setMessage(MsgVerificationSent)
}

// ToggleMode switches between sign-in and sign-up and clears the message.
func (g *Gate) ToggleMode() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeSignIn {
		g.mode = ModeSignUp
	} else {
		g.mode = ModeSignIn
	}
	g.message = ""
}

// SignOut ends the provider session. The subscription clears User.
func (g *Gate) SignOut(ctx context.Context) error {
	return g.auth.SignOut(ctx)
}

// Refresh re-reads the signed-in user from the provider so that an email
// verified elsewhere is observed.
func (g *Gate) Refresh(ctx context.Context) error {
	return g.auth.Reload(ctx)
}

// User returns the verified user, or nil.
func (g *Gate) User() *identity.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

// View returns a snapshot for rendering.
func (g *Gate) View() View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return View{Mode: g.mode, Message: g.message, Email: g.email, User: g.user}
}

func (g *Gate) setMessage(msg string) {
	g.mu.Lock()
	g.message = msg
	g.mu.Unlock()
}

func (g *Gate) setEmail(email string) {
	g.mu.Lock()
	g.email = email
	g.mu.Unlock()
}

// AllowedDomain reports whether email may sign up. The domain is the text
// between the first and second '@'.
func AllowedDomain(email string) bool {
	parts := strings.Split(email, "@")
	if len(parts) < 2 {
		return false
	}
	return slices.Contains(AllowedDomains, parts[1])
}
