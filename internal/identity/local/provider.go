// Package local implements identity.Provider on a PostgreSQL account store
// for deployments without a hosted identity service.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/logging"
)

const (
	sessionTTL      = 30 * 24 * time.Hour
	verificationTTL = 24 * time.Hour
	minPasswordLen  = 6

	purposeSession = "session"
	purposeVerify  = "verify_email"
)

// claims is the JWT payload for both session and verification tokens.
type claims struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Provider is the local identity provider.
type Provider struct {
	store   *Store
	secret  []byte
	baseURL string
	mailer  Mailer
}

// New creates a provider. Verification links point at baseURL.
func New(store *Store, secret, baseURL string, mailer Mailer) *Provider {
	return &Provider{
		store:   store,
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		mailer:  mailer,
	}
}

var _ identity.Provider = (*Provider)(nil)

func errInvalidCredential() error {
	return identity.NewError("invalid-credential", "Invalid email or password.", nil)
}

// SignIn checks the password and opens a session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.User, error) {
	a, err := p.store.accountByEmail(ctx, email)
	if errors.Is(err, errNoAccount) {
		logging.WithContext(ctx).Warn("sign-in failed: unknown email", zap.String("email", email))
		return nil, errInvalidCredential()
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		logging.WithContext(ctx).Warn("sign-in failed: wrong password", zap.String("email", email))
		return nil, errInvalidCredential()
	}
	return p.openSession(ctx, a)
}

// CreateAccount registers an unverified account and opens a session.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (*identity.User, error) {
	if !strings.Contains(email, "@") {
		return nil, identity.NewError("invalid-email", "The email address is badly formatted.", nil)
	}
	if len(password) < minPasswordLen {
		return nil, identity.NewError("weak-password",
			fmt.Sprintf("Password should be at least %d characters.", minPasswordLen), nil)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a, err := p.store.createAccount(ctx, email, string(hashed))
	if errors.Is(err, errDuplicateKey) {
		return nil, identity.NewError("email-already-in-use", "An account with this email already exists.", err)
	}
	if err != nil {
		return nil, err
	}

	logging.WithContext(ctx).Info("local account created", zap.String("email", email), zap.Int64("id", a.ID))
	return p.openSession(ctx, a)
}

// SendVerificationEmail mails a signed verification link.
func (p *Provider) SendVerificationEmail(ctx context.Context, u *identity.User) error {
	c, err := p.parse(u.IDToken, purposeSession)
	if err != nil {
		return identity.NewError("invalid-user-token", "Your session has expired. Please sign in again.", identity.ErrSessionRevoked)
	}

	tok, err := p.sign(c.Subject, c.Email, purposeVerify, verificationTTL)
	if err != nil {
		return err
	}
	link := p.baseURL + "/auth/verify?token=" + url.QueryEscape(tok)
	body := "Follow this link to verify your email address:\r\n\r\n" + link + "\r\n"
	if err := p.mailer.Send(ctx, c.Email, "Verify your email for PinShare", body); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}

// SignOut revokes the session token.
func (p *Provider) SignOut(ctx context.Context, u *identity.User) error {
	return p.store.revokeSession(ctx, hashToken(u.IDToken))
}

// Lookup re-reads the account behind a live session.
func (p *Provider) Lookup(ctx context.Context, u *identity.User) (*identity.User, error) {
	c, err := p.parse(u.IDToken, purposeSession)
	if err != nil {
		return nil, identity.ErrSessionRevoked
	}
	revoked, err := p.store.sessionRevoked(ctx, hashToken(u.IDToken))
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, identity.ErrSessionRevoked
	}

	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, identity.ErrSessionRevoked
	}
	a, err := p.store.accountByID(ctx, id)
	if errors.Is(err, errNoAccount) {
		return nil, identity.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return toUser(a, u.IDToken), nil
}

// verifyEmail marks the account named by a verification token as verified.
func (p *Provider) verifyEmail(ctx context.Context, token string) (string, error) {
	c, err := p.parse(token, purposeVerify)
	if err != nil {
		return "", err
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid subject: %w", err)
	}
	if err := p.store.markVerified(ctx, id); err != nil {
		return "", err
	}
	return c.Email, nil
}

func (p *Provider) openSession(ctx context.Context, a *account) (*identity.User, error) {
	tok, err := p.sign(strconv.FormatInt(a.ID, 10), a.Email, purposeSession, sessionTTL)
	if err != nil {
		return nil, err
	}
	if err := p.store.recordSession(ctx, hashToken(tok), a.ID); err != nil {
		return nil, err
	}
	return toUser(a, tok), nil
}

func (p *Provider) sign(subject, email, purpose string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := &claims{
		Email:   email,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "pinshare",
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

func (p *Provider) parse(tokenStr, purpose string) (*claims, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenStr, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithIssuer("pinshare"))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if c.Purpose != purpose {
		return nil, fmt.Errorf("token purpose %q, want %q", c.Purpose, purpose)
	}
	return c, nil
}

func toUser(a *account, token string) *identity.User {
	return &identity.User{
		UID:           strconv.FormatInt(a.ID, 10),
		Email:         a.Email,
		EmailVerified: a.EmailVerified,
		IDToken:       token,
	}
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
