package firebase

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
)

const (
	issuerPrefix = "https://securetoken.google.com/"

	// DefaultKeysURL publishes the keys that sign Firebase ID tokens.
	DefaultKeysURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
)

// Claims are the ID token claims the provider relies on.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// TokenVerifier checks an ID token's signature, issuer, audience and expiry.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*Claims, error)
}

// OIDCVerifier verifies Firebase ID tokens with go-oidc.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier builds a verifier for projectID. Signing keys are fetched
// lazily from keysURL (DefaultKeysURL when empty) and cached; ctx bounds
// those background fetches.
func NewOIDCVerifier(ctx context.Context, projectID, keysURL string) *OIDCVerifier {
	if keysURL == "" {
		keysURL = DefaultKeysURL
	}
	v := newOIDCVerifier(projectID, oidc.NewRemoteKeySet(ctx, keysURL))
	logging.Info("firebase token verifier initialized",
		zap.String("issuer", issuerPrefix+projectID),
		zap.String("keys", keysURL))
	return v
}

func newOIDCVerifier(projectID string, keySet oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(issuerPrefix+projectID, keySet, &oidc.Config{ClientID: projectID}),
	}
}

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	var c struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	return &Claims{
		Subject:       idToken.Subject,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
	}, nil
}
