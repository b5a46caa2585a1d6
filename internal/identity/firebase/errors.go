package firebase

import (
	"strings"

	"github.com/pinshare/pinshare/internal/identity"
)

// REST error messages mapped to the auth/<code> names users see from the
// browser SDK.
var errorCodes = map[string]string{
	"EMAIL_NOT_FOUND":             "user-not-found",
	"INVALID_PASSWORD":            "wrong-password",
	"INVALID_LOGIN_CREDENTIALS":   "invalid-credential",
	"USER_DISABLED":               "user-disabled",
	"EMAIL_EXISTS":                "email-already-in-use",
	"WEAK_PASSWORD":               "weak-password",
	"INVALID_EMAIL":               "invalid-email",
	"MISSING_EMAIL":               "missing-email",
	"MISSING_PASSWORD":            "missing-password",
	"TOO_MANY_ATTEMPTS_TRY_LATER": "too-many-requests",
	"OPERATION_NOT_ALLOWED":       "operation-not-allowed",
	"INVALID_ID_TOKEN":            "invalid-user-token",
	"TOKEN_EXPIRED":               "user-token-expired",
	"USER_NOT_FOUND":              "user-not-found",
	"INVALID_REFRESH_TOKEN":       "invalid-user-token",
	"API_KEY_INVALID":             "invalid-api-key",
}

// newAPIError converts a REST error message such as
// "WEAK_PASSWORD : Password should be at least 6 characters" into an
// identity.Error.
func newAPIError(raw string) *identity.Error {
	name, detail, _ := strings.Cut(raw, " : ")
	name = strings.TrimSpace(name)

	code, ok := errorCodes[name]
	if !ok {
		code = "internal-error"
	}

	var cause error
	switch name {
	case "INVALID_ID_TOKEN", "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN":
		cause = identity.ErrSessionRevoked
	case "USER_NOT_FOUND":
		cause = identity.ErrUserNotFound
	}
	return identity.NewError(code, errorMessage(code, strings.TrimSpace(detail)), cause)
}

func errorMessage(code, detail string) string {
	if detail != "" {
		return "Firebase: " + detail + " (auth/" + code + ")."
	}
	return "Firebase: Error (auth/" + code + ")."
}
