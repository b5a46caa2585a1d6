package local

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/webapp"
)

var verifyPage = template.Must(template.ParseFS(webapp.Assets, "templates/layout.html", "templates/verify.html"))

// VerifyHandler serves GET /auth/verify?token=… from verification mails.
func (p *Provider) VerifyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			renderVerify(w, http.StatusBadRequest, "The verification link is incomplete.")
			return
		}

		email, err := p.verifyEmail(r.Context(), token)
		if err != nil {
			logging.WithContext(r.Context()).Warn("email verification failed", zap.Error(err))
			renderVerify(w, http.StatusBadRequest, "The verification link is invalid or has expired.")
			return
		}

		logging.WithContext(r.Context()).Info("email verified", zap.String("email", email))
		renderVerify(w, http.StatusOK, "Your email has been verified. You can now sign in.")
	})
}

func renderVerify(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := struct {
		OK      bool
		Message string
	}{status == http.StatusOK, message}
	if err := verifyPage.ExecuteTemplate(w, "verify.html", data); err != nil {
		logging.Error("render verify page", zap.Error(err))
	}
}
