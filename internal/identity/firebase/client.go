// Package firebase implements identity.Provider on the Google Identity
// Toolkit REST API used by Firebase Authentication.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/logging"
)

const (
	DefaultBaseURL        = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL = "https://securetoken.googleapis.com/v1"
)

// Config configures a Client.
type Config struct {
	APIKey    string
	ProjectID string

	// BaseURL overrides the Identity Toolkit endpoint.
	BaseURL string
	// SecureTokenURL overrides the token refresh endpoint.
	SecureTokenURL string
	// Timeout is the HTTP client timeout; 0 disables it.
	Timeout time.Duration
}

// Client talks to the Identity Toolkit API.
type Client struct {
	apiKey         string
	baseURL        string
	secureTokenURL string
	httpClient     *http.Client
	verifier       TokenVerifier
}

// NewClient creates a client. ID tokens returned by the API are checked with
// verifier before they are trusted.
func NewClient(cfg Config, verifier TokenVerifier) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	secureTokenURL := cfg.SecureTokenURL
	if secureTokenURL == "" {
		secureTokenURL = DefaultSecureTokenURL
	}
	return &Client{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		secureTokenURL: strings.TrimRight(secureTokenURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		verifier:       verifier,
	}
}

var _ identity.Provider = (*Client)(nil)

type tokenResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
}

// SignIn calls accounts:signInWithPassword.
func (c *Client) SignIn(ctx context.Context, email, password string) (*identity.User, error) {
	var resp tokenResponse
	err := c.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.userFromToken(ctx, resp)
}

// CreateAccount calls accounts:signUp.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*identity.User, error) {
	var resp tokenResponse
	err := c.call(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.userFromToken(ctx, resp)
}

// SendVerificationEmail calls accounts:sendOobCode with VERIFY_EMAIL.
func (c *Client) SendVerificationEmail(ctx context.Context, u *identity.User) error {
	return c.call(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     u.IDToken,
	}, nil)
}

// SignOut ends the session on this side only. The REST API has no
// client-callable revocation; the ID token simply stops being used.
func (c *Client) SignOut(ctx context.Context, u *identity.User) error {
	logging.WithContext(ctx).Debug("firebase sign-out", zap.String("uid", u.UID))
	return nil
}

// Lookup calls accounts:lookup, renewing an expired ID token once when a
// refresh token is available.
func (c *Client) Lookup(ctx context.Context, u *identity.User) (*identity.User, error) {
	fresh, err := c.lookup(ctx, u.IDToken)
	if errors.Is(err, identity.ErrSessionRevoked) && u.RefreshToken != "" {
		idToken, refreshToken, rerr := c.refresh(ctx, u.RefreshToken)
		if rerr != nil {
			return nil, rerr
		}
		fresh, err = c.lookup(ctx, idToken)
		if err != nil {
			return nil, err
		}
		fresh.IDToken = idToken
		fresh.RefreshToken = refreshToken
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	fresh.IDToken = u.IDToken
	fresh.RefreshToken = u.RefreshToken
	return fresh, nil
}

func (c *Client) lookup(ctx context.Context, idToken string) (*identity.User, error) {
	var resp struct {
		Users []struct {
			LocalID       string `json:"localId"`
			Email         string `json:"email"`
			EmailVerified bool   `json:"emailVerified"`
			Disabled      bool   `json:"disabled"`
		} `json:"users"`
	}
	if err := c.call(ctx, "accounts:lookup", map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, identity.ErrUserNotFound
	}
	rec := resp.Users[0]
	if rec.Disabled {
		return nil, newAPIError("USER_DISABLED")
	}
	return &identity.User{
		UID:           rec.LocalID,
		Email:         rec.Email,
		EmailVerified: rec.EmailVerified,
	}, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (idToken, newRefresh string, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	endpoint := c.secureTokenURL + "/token?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", "", err
	}
	return resp.IDToken, resp.RefreshToken, nil
}

func (c *Client) userFromToken(ctx context.Context, resp tokenResponse) (*identity.User, error) {
	claims, err := c.verifier.Verify(ctx, resp.IDToken)
	if err != nil {
		return nil, identity.NewError("invalid-user-token", errorMessage("invalid-user-token", ""),
			fmt.Errorf("verify id token: %w", err))
	}
	if claims.Subject != resp.LocalID {
		return nil, identity.NewError("user-mismatch", errorMessage("user-mismatch", ""),
			fmt.Errorf("token subject %q does not match account %q", claims.Subject, resp.LocalID))
	}
	email := claims.Email
	if email == "" {
		email = resp.Email
	}
	return &identity.User{
		UID:           resp.LocalID,
		Email:         email,
		EmailVerified: claims.EmailVerified,
		IDToken:       resp.IDToken,
		RefreshToken:  resp.RefreshToken,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	endpoint := c.baseURL + "/" + method + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return newAPIError(apiErr.Error.Message)
		}
		return fmt.Errorf("identity request failed (%d): %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse identity response: %w", err)
	}
	return nil
}
