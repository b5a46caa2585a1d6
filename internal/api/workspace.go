package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
	"github.com/pinshare/pinshare/internal/session"
	"github.com/pinshare/pinshare/internal/upload"
)

// SessionCookie names the cookie that ties a browser to its workspace.
const SessionCookie = "pinshare_session"

const reapInterval = time.Minute

// workspace is the per-browser state: an auth client, the gate mounted on
// it, and the upload flow that exists while the gate reports a verified
// user.
type workspace struct {
	id   string
	auth *identity.Auth
	gate *session.Gate

	mu       sync.Mutex
	flow     *upload.Flow
	owner    string // UID the flow was mounted for
	lastSeen time.Time
}

// sync mounts or tears down the upload flow to match the gate's user and
// returns the mounted flow, if any. A flow never outlives the user it was
// mounted for.
func (ws *workspace) sync(newFlow func(upload.SignOutFunc) *upload.Flow) *upload.Flow {
	user := ws.gate.User()

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.flow != nil && (user == nil || user.UID != ws.owner) {
		ws.flow.Discard()
		ws.flow = nil
		ws.owner = ""
	}
	if user != nil && ws.flow == nil {
		ws.flow = newFlow(ws.gate.SignOut)
		ws.owner = user.UID
	}
	return ws.flow
}

func (ws *workspace) touch(now time.Time) {
	ws.mu.Lock()
	ws.lastSeen = now
	ws.mu.Unlock()
}

func (ws *workspace) idleSince(now time.Time) time.Duration {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return now.Sub(ws.lastSeen)
}

func (ws *workspace) close() {
	ws.gate.Unmount()
	ws.mu.Lock()
	if ws.flow != nil {
		ws.flow.Discard()
		ws.flow = nil
		ws.owner = ""
	}
	ws.mu.Unlock()
}

// registry maps session ids to workspaces.
type registry struct {
	provider identity.Provider
	idle     time.Duration

	mu     sync.Mutex
	spaces map[string]*workspace
}

func newRegistry(provider identity.Provider, idle time.Duration) *registry {
	return &registry{
		provider: provider,
		idle:     idle,
		spaces:   make(map[string]*workspace),
	}
}

func (reg *registry) get(id string) (*workspace, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ws, ok := reg.spaces[id]
	return ws, ok
}

// create makes a workspace with a mounted gate.
func (reg *registry) create(now time.Time) *workspace {
	auth := identity.NewAuth(reg.provider)
	ws := &workspace{
		id:       uuid.NewString(),
		auth:     auth,
		gate:     session.New(auth),
		lastSeen: now,
	}
	ws.gate.Mount()

	reg.mu.Lock()
	reg.spaces[ws.id] = ws
	n := len(reg.spaces)
	reg.mu.Unlock()

	metrics.SetWorkspacesActive(n)
	return ws
}

// reap closes workspaces idle for longer than the idle timeout.
func (reg *registry) reap(now time.Time) int {
	var stale []*workspace

	reg.mu.Lock()
	for id, ws := range reg.spaces {
		if ws.idleSince(now) > reg.idle {
			stale = append(stale, ws)
			delete(reg.spaces, id)
		}
	}
	n := len(reg.spaces)
	reg.mu.Unlock()

	for _, ws := range stale {
		ws.close()
	}
	metrics.SetWorkspacesActive(n)
	return len(stale)
}

func (reg *registry) len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.spaces)
}

// run reaps idle workspaces until ctx is done, then closes the rest.
func (reg *registry) run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			reg.closeAll()
			return
		case now := <-ticker.C:
			if n := reg.reap(now); n > 0 {
				logging.Debug("reaped idle workspaces", zap.Int("count", n))
			}
		}
	}
}

func (reg *registry) closeAll() {
	reg.mu.Lock()
	spaces := reg.spaces
	reg.spaces = make(map[string]*workspace)
	reg.mu.Unlock()

	for _, ws := range spaces {
		ws.close()
	}
	metrics.SetWorkspacesActive(0)
}

// ─── Session cookie ─────────────────────────────────────────────────────────

var errBadSession = errors.New("invalid session cookie")

func (s *Server) signSession(id string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  id,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	return token.SignedString(s.sessionSecret)
}

func (s *Server) parseSession(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.sessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadSession, err)
	}
	if claims.Subject == "" {
		return "", errBadSession
	}
	return claims.Subject, nil
}

// lookupWorkspace returns the workspace named by the request's session
// cookie, or nil when there is none.
func (s *Server) lookupWorkspace(r *http.Request) *workspace {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	id, err := s.parseSession(c.Value)
	if err != nil {
		logging.WithContext(r.Context()).Debug("discarding session cookie", zap.Error(err))
		return nil
	}
	ws, ok := s.workspaces.get(id)
	if !ok {
		return nil
	}
	ws.touch(time.Now())
	return ws
}

// workspace returns the caller's workspace, creating one and setting the
// session cookie when the request carries none or an unknown one. Only
// state-changing requests call it; reads use lookupWorkspace.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) *workspace {
	if ws := s.lookupWorkspace(r); ws != nil {
		return ws
	}

	ws := s.workspaces.create(time.Now())
	token, err := s.signSession(ws.id)
	if err != nil {
		logging.WithContext(r.Context()).Error("sign session cookie", zap.Error(err))
		return ws
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return ws
}
