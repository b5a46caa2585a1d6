package api

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinshare/pinshare/internal/config"
	"github.com/pinshare/pinshare/internal/gateway/gatewaytest"
	"github.com/pinshare/pinshare/internal/identity/identitytest"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/quota"
	"github.com/pinshare/pinshare/internal/session"
	"github.com/pinshare/pinshare/internal/upload"
)

func init() {
	logging.InitNop()
}

type harness struct {
	t        *testing.T
	srv      *Server
	ts       *httptest.Server
	client   *http.Client
	provider *identitytest.Provider
	gw       *gatewaytest.Gateway
}

func newHarness(t *testing.T, tweak func(*config.Config), verify http.Handler) *harness {
	t.Helper()
	cfg := &config.Config{
		SessionSecret:      "test-session-secret",
		SessionIdleTimeout: time.Minute,
		PublicGatewayHost:  "cloudflare-ipfs.com",
	}
	if tweak != nil {
		tweak(cfg)
	}

	h := &harness{t: t, provider: identitytest.New(), gw: gatewaytest.New("QmExampleHash123")}
	h.srv = NewServer(cfg, h.provider, h.gw, quota.NewRateLimiter(), verify)
	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{Jar: jar}
	return h
}

func (h *harness) body(resp *http.Response) string {
	h.t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return string(b)
}

func (h *harness) get(path string) (*http.Response, string) {
	h.t.Helper()
	resp, err := h.client.Get(h.ts.URL + path)
	require.NoError(h.t, err)
	return resp, h.body(resp)
}

func (h *harness) post(path string, form url.Values) (*http.Response, string) {
	h.t.Helper()
	resp, err := h.client.PostForm(h.ts.URL+path, form)
	require.NoError(h.t, err)
	return resp, h.body(resp)
}

func (h *harness) signIn(email, password string) (*http.Response, string) {
	return h.post("/signin", url.Values{"email": {email}, "password": {password}})
}

func (h *harness) upload(path, name string, data []byte) (*http.Response, string) {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(h.t, err)
		fw.Write(data)
	} else {
		mw.WriteField("note", "no file")
	}
	require.NoError(h.t, mw.Close())

	resp, err := h.client.Post(h.ts.URL+path, mw.FormDataContentType(), &buf)
	require.NoError(h.t, err)
	return resp, h.body(resp)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp, body := h.get("/health")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","version":"1.0"}`, body)
}

func TestStaticAssets(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, p := range []string{"/static/style.css", "/static/app.js", "/static/logo.svg"} {
		resp, _ := h.get(p)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}

func TestIndexShowsSignInForm(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp, body := h.get("/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `action="/signin"`)
	assert.NotContains(t, body, `class="message"`)

	// Reading the form allocates nothing; the first POST does.
	u, _ := url.Parse(h.ts.URL)
	assert.Empty(t, h.client.Jar.Cookies(u))
	assert.Zero(t, h.srv.workspaces.len())

	h.post("/mode", nil)
	cookies := h.client.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, 1, h.srv.workspaces.len())
}

func TestCookielessReadsCreateNoWorkspaces(t *testing.T) {
	h := newHarness(t, nil, nil)
	for i := 0; i < 20; i++ {
		resp, err := http.Get(h.ts.URL + "/")
		require.NoError(t, err)
		assert.Contains(t, h.body(resp), `action="/signin"`)
		assert.Empty(t, resp.Header.Get("Set-Cookie"))
	}
	resp, err := http.Post(h.ts.URL+"/signout", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	h.body(resp)
	resp, err = http.Post(h.ts.URL+"/upload", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	h.body(resp)

	assert.Zero(t, h.srv.workspaces.len())
}

// TestSwitchingUserDropsPreviousResult signs a second user in on the same
// browser; the first user's upload must not show up for them.
func TestSwitchingUserDropsPreviousResult(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.provider.AddUser("bob@gmail.com", "pw", true)

	h.signIn("alice@gmail.com", "pw")
	_, body := h.upload("/upload", "alice.txt", []byte("alice"))
	require.Contains(t, body, "IPFS Hash: QmExampleHash123")

	_, body = h.signIn("bob@gmail.com", "pw")
	assert.Contains(t, body, "Upload files to IPFS")
	assert.NotContains(t, body, "IPFS Hash:")
	assert.NotContains(t, body, "alice.txt")

	_, body = h.get("/")
	assert.NotContains(t, body, "IPFS Hash:")
	assert.Equal(t, 1, h.srv.workspaces.len())
}

// TestVerifiedUploadScenario signs in a verified user, uploads a 10-byte
// file and checks the result panel.
func TestVerifiedUploadScenario(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "correct horse", true)

	resp, body := h.signIn("alice@gmail.com", "correct horse")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "Upload files to IPFS")

	resp, body = h.upload("/upload", "ten.bin", []byte("0123456789"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "IPFS Hash: QmExampleHash123")
	assert.Contains(t, body, `href="https://cloudflare-ipfs.com/ipfs/QmExampleHash123"`)
	assert.Contains(t, body, `src="data:image/png;base64,`)
	assert.NotContains(t, body, `class="alert"`)

	received := h.gw.Received()
	require.Len(t, received, 1)
	assert.Equal(t, []byte("0123456789"), received[0])
}

func TestCaptureThenSubmit(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	_, body := h.upload("/capture", "old.txt", []byte("old"))
	assert.Contains(t, body, "Ready to upload: old.txt")
	_, body = h.upload("/capture", "new.txt", []byte("new"))
	assert.Contains(t, body, "Ready to upload: new.txt")
	assert.Empty(t, h.gw.Received())

	_, body = h.post("/submit", nil)
	assert.Contains(t, body, "IPFS Hash: QmExampleHash123")
	require.Len(t, h.gw.Received(), 1)
	assert.Equal(t, []byte("new"), h.gw.Received()[0])
}

func TestUnverifiedSignInStaysOnForm(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("bob@gmail.com", "pw", false)

	_, body := h.signIn("bob@gmail.com", "pw")
	assert.Contains(t, body, `action="/signin"`)
	assert.NotContains(t, body, "Upload files to IPFS")
	assert.NotContains(t, body, `class="message"`)
	assert.Equal(t, 1, h.provider.Calls().SignIn)
}

func TestRejectedCredentialsShowMessage(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)

	_, body := h.signIn("alice@gmail.com", "wrong")
	assert.Contains(t, body, "Firebase: Error (auth/invalid-credential).")
	assert.Contains(t, body, `value="alice@gmail.com"`)
	assert.NotContains(t, body, "Upload files to IPFS")
}

func TestSignUpDomainRejected(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, body := h.post("/mode", nil)
	require.Contains(t, body, `action="/signup"`)

	_, body = h.post("/signup", url.Values{"email": {"carol@yahoo.com"}, "password": {"secret1"}})
	assert.Contains(t, body, session.MsgDomainNotAllowed)
	assert.Zero(t, h.provider.Calls().Total())
}

// TestSignUpThenVerify creates an account, which stays at the form until the
// email is verified out of band.
func TestSignUpThenVerify(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.post("/mode", nil)

	_, body := h.post("/signup", url.Values{"email": {"dave@outlook.com"}, "password": {"secret1"}})
	assert.Contains(t, body, session.MsgVerificationSent)
	assert.NotContains(t, body, "Upload files to IPFS")

	calls := h.provider.Calls()
	assert.Equal(t, 1, calls.CreateAccount)
	assert.Equal(t, 1, calls.SendVerification)

	h.provider.Verify("dave@outlook.com")
	_, body = h.get("/")
	assert.Contains(t, body, "Upload files to IPFS")
}

func TestModeToggleClearsMessage(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, body := h.signIn("nobody@gmail.com", "pw")
	require.Contains(t, body, `class="message"`)

	_, body = h.post("/mode", nil)
	assert.Contains(t, body, `action="/signup"`)
	assert.NotContains(t, body, `class="message"`)
}

func TestGatewayFailureShowsAlertOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")
	h.gw.FailWith(errors.New("502 bad gateway"))

	_, body := h.upload("/upload", "a.txt", []byte("data"))
	assert.Contains(t, body, upload.MsgUploadFailed)
	assert.NotContains(t, body, "IPFS Hash:")

	_, body = h.get("/")
	assert.NotContains(t, body, upload.MsgUploadFailed)
	assert.Contains(t, body, "Upload files to IPFS")
}

func TestSignOut(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	_, body := h.post("/signout", nil)
	assert.Contains(t, body, `action="/signin"`)
	assert.Equal(t, 1, h.provider.Calls().SignOut)

	h.upload("/upload", "a.txt", []byte("x"))
	assert.Empty(t, h.gw.Received())
}

func TestRevokedSessionReturnsToForm(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	h.provider.Revoke("alice@gmail.com")
	_, body := h.get("/")
	assert.Contains(t, body, `action="/signin"`)
}

func TestUploadRequiresVerifiedUser(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.upload("/upload", "a.txt", []byte("x"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `action="/signin"`)
	assert.Empty(t, h.gw.Received())
}

func TestUploadWithoutFilePart(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	resp, body := h.upload("/upload", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"no file in request","code":400}`, body)
}

func TestUploadTooLarge(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxUploadSize = 512 }, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	resp, _ := h.upload("/upload", "big.bin", bytes.Repeat([]byte("x"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, h.gw.Received())
}

func TestAuthRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AuthRequestsPerMin = 1 }, nil)

	resp, _ := h.signIn("nobody@gmail.com", "pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.signIn("nobody@gmail.com", "pw")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, body, MsgTooManyAttempts)
	assert.Equal(t, 1, h.provider.Calls().SignIn)
}

func TestForgedSessionCookieGetsFreshWorkspace(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.AddUser("alice@gmail.com", "pw", true)
	h.signIn("alice@gmail.com", "pw")

	u, _ := url.Parse(h.ts.URL)
	var id string
	for _, ws := range h.srv.workspaces.spaces {
		id = ws.id
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: id}).
		SignedString([]byte("someone-else"))
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", h.ts.URL+"/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: forged})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := h.body(resp)

	assert.Contains(t, body, `action="/signin"`)
	assert.NotContains(t, body, "Upload files to IPFS")
	assert.Equal(t, 1, h.srv.workspaces.len())

	req, _ = http.NewRequest("POST", h.ts.URL+"/mode", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: forged})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	h.body(resp)
	assert.Equal(t, 2, h.srv.workspaces.len())

	// The real cookie still reaches the signed-in workspace.
	require.NotEmpty(t, h.client.Jar.Cookies(u))
	_, body = h.get("/")
	assert.Contains(t, body, "Upload files to IPFS")
}

func TestVerifyRoute(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp, _ := h.get("/auth/verify?token=x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	verify := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("verified " + r.URL.Query().Get("token")))
	})
	h = newHarness(t, nil, verify)
	resp, body := h.get("/auth/verify?token=x")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "verified x", body)
}

func TestReapIdleWorkspaces(t *testing.T) {
	provider := identitytest.New()
	provider.AddUser("alice@gmail.com", "pw", true)
	reg := newRegistry(provider, time.Minute)

	now := time.Now()
	stale := reg.create(now)
	fresh := reg.create(now.Add(50 * time.Second))
	stale.gate.SignIn(t.Context(), "alice@gmail.com", "pw")
	require.NotNil(t, stale.sync(func(so upload.SignOutFunc) *upload.Flow {
		return upload.New(gatewaytest.New("x"), upload.Config{}, so)
	}))

	assert.Equal(t, 1, reg.reap(now.Add(90*time.Second)))
	assert.Equal(t, 1, reg.len())
	assert.False(t, stale.gate.Mounted())
	assert.Nil(t, stale.flow)
	assert.True(t, fresh.gate.Mounted())

	_, ok := reg.get(fresh.id)
	assert.True(t, ok)
	_, ok = reg.get(stale.id)
	assert.False(t, ok)
}

func TestCloseAllUnmounts(t *testing.T) {
	reg := newRegistry(identitytest.New(), time.Minute)
	ws := reg.create(time.Now())
	reg.closeAll()

	assert.Zero(t, reg.len())
	assert.False(t, ws.gate.Mounted())
}

func TestParseSessionRejectsOtherAlgorithms(t *testing.T) {
	h := newHarness(t, nil, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "abc"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = h.srv.parseSession(raw)
	assert.ErrorIs(t, err, errBadSession)

	good, err := h.srv.signSession("abc")
	require.NoError(t, err)
	id, err := h.srv.parseSession(good)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}
