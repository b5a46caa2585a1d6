package api

import (
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/qrcode"
	"github.com/pinshare/pinshare/internal/session"
	"github.com/pinshare/pinshare/internal/upload"
)

var errNoFilePart = errors.New("no file in request")

type authPage struct {
	SignUp  bool
	Email   string
	Message string
}

type uploadPage struct {
	Alert    string
	FileName string
	HasFile  bool
	Result   *upload.Result
	QR       template.URL
	QRSize   int
}

type loadingPage struct {
	FileName string
}

func (s *Server) newFlow(signOut upload.SignOutFunc) *upload.Flow {
	return upload.New(s.gateway, s.flowConfig, signOut)
}

func (s *Server) redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ─── Pages ──────────────────────────────────────────────────────────────────

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ws := s.lookupWorkspace(r)
	if ws == nil {
		s.render(w, r, http.StatusOK, "auth.html", authPage{})
		return
	}
	if err := ws.gate.Refresh(r.Context()); err != nil {
		logging.WithContext(r.Context()).Warn("session refresh failed", zap.Error(err))
	}

	flow := ws.sync(s.newFlow)
	if flow == nil {
		s.render(w, r, http.StatusOK, "auth.html", newAuthPage(ws.gate.View(), ""))
		return
	}

	v := flow.View()
	if v.Loading {
		s.render(w, r, http.StatusOK, "loading.html", loadingPage{FileName: v.FileName})
		return
	}

	page := uploadPage{
		Alert:    flow.TakeAlert(),
		FileName: v.FileName,
		HasFile:  v.HasFile,
		QRSize:   s.qrSize(),
	}
	if v.ShowLinks && v.Result != nil {
		page.Result = v.Result
		page.QR = template.URL(v.Result.QRDataURI())
	}
	s.render(w, r, http.StatusOK, "upload.html", page)
}

func newAuthPage(v session.View, override string) authPage {
	msg := v.Message
	if override != "" {
		msg = override
	}
	return authPage{SignUp: v.Mode == session.ModeSignUp, Email: v.Email, Message: msg}
}

func (s *Server) qrSize() int {
	if s.flowConfig.QRSize > 0 {
		return s.flowConfig.QRSize
	}
	return qrcode.DefaultSize
}

// ─── Session gate ───────────────────────────────────────────────────────────

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	ws.gate.SignIn(r.Context(), r.PostFormValue("email"), r.PostFormValue("password"))
	ws.sync(s.newFlow)
	s.redirectHome(w, r)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	ws.gate.SignUp(r.Context(), r.PostFormValue("email"), r.PostFormValue("password"))
	ws.sync(s.newFlow)
	s.redirectHome(w, r)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	ws.gate.ToggleMode()
	s.redirectHome(w, r)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ws := s.lookupWorkspace(r)
	if ws == nil {
		s.redirectHome(w, r)
		return
	}
	var err error
	if flow := ws.sync(s.newFlow); flow != nil {
		err = flow.SignOut(r.Context())
	} else {
		err = ws.gate.SignOut(r.Context())
	}
	if err != nil {
		logging.WithContext(r.Context()).Warn("sign out failed", zap.Error(err))
	}
	ws.sync(s.newFlow)
	s.redirectHome(w, r)
}

// rejectAuth renders the form with a rate-limit message instead of
// running the sign-in or sign-up.
func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request) {
	var v session.View
	if ws := s.lookupWorkspace(r); ws != nil {
		v = ws.gate.View()
	}
	s.render(w, r, http.StatusTooManyRequests, "auth.html", newAuthPage(v, MsgTooManyAttempts))
}

// ─── Upload flow ────────────────────────────────────────────────────────────

// uploadFlow returns the caller's mounted flow. Callers without one are
// sent back to the sign-in form.
func (s *Server) uploadFlow(w http.ResponseWriter, r *http.Request) (*upload.Flow, bool) {
	var flow *upload.Flow
	if ws := s.lookupWorkspace(r); ws != nil {
		flow = ws.sync(s.newFlow)
	}
	if flow == nil {
		logging.WithContext(r.Context()).Debug("upload without verified user", zap.String("path", r.URL.Path))
		s.redirectHome(w, r)
		return nil, false
	}
	return flow, true
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.uploadFlow(w, r)
	if !ok {
		return
	}
	if !s.capture(w, r, flow) {
		return
	}
	s.redirectHome(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.uploadFlow(w, r)
	if !ok {
		return
	}
	s.submit(r, flow)
	s.redirectHome(w, r)
}

// handleUpload captures and submits in one request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.uploadFlow(w, r)
	if !ok {
		return
	}
	if !s.capture(w, r, flow) {
		return
	}
	s.submit(r, flow)
	s.redirectHome(w, r)
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request, flow *upload.Flow) bool {
	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}

	part, err := firstFilePart(r)
	if err == nil {
		err = flow.Capture(r.Context(), part.FileName(), part)
		part.Close()
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, errNoFilePart):
		s.sendError(w, http.StatusBadRequest, "no file in request")
	default:
		logging.WithContext(r.Context()).Warn("capture failed", zap.Error(err))
		s.sendError(w, http.StatusBadRequest, "invalid multipart body")
	}
	return false
}

// submit runs the submission. Failures are already logged and turned into
// the flow's alert.
func (s *Server) submit(r *http.Request, flow *upload.Flow) {
	err := flow.Submit(r.Context())
	if errors.Is(err, upload.ErrSubmitInProgress) || errors.Is(err, upload.ErrNoFile) {
		logging.WithContext(r.Context()).Debug("submit skipped", zap.Error(err))
	}
}

// firstFilePart returns the first multipart part that carries a file.
func firstFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}
