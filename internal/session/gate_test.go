package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/identity/identitytest"
	"github.com/pinshare/pinshare/internal/logging"
)

type GateSuite struct {
	suite.Suite
	provider *identitytest.Provider
	auth     *identity.Auth
	gate     *Gate
	ctx      context.Context
}

func (s *GateSuite) SetupSuite() {
	logging.InitNop()
}

func (s *GateSuite) SetupTest() {
	s.provider = identitytest.New()
	s.auth = identity.NewAuth(s.provider)
	s.gate = New(s.auth)
	s.gate.Mount()
	s.ctx = context.Background()
}

func (s *GateSuite) TearDownTest() {
	s.gate.Unmount()
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

// TestSignIn covers credential verification and the verified-only gate.
func (s *GateSuite) TestSignIn() {
	s.Run("rejected credentials leave user unset with a message", func() {
		s.gate.SignIn(s.ctx, "nobody@gmail.com", "bad")

		v := s.gate.View()
		s.Nil(v.User)
		s.NotEmpty(v.Message)
		s.Equal(ModeSignIn, v.Mode)
		s.Equal("nobody@gmail.com", v.Email)
	})

	s.Run("verified sign-in sets user and clears message", func() {
		s.provider.AddUser("alice@gmail.com", "pw", true)
		s.gate.SignIn(s.ctx, "alice@gmail.com", "pw")

		v := s.gate.View()
		s.Require().NotNil(v.User)
		s.Equal("alice@gmail.com", v.User.Email)
		s.Empty(v.Message)
	})
}

// TestUnverifiedSignInIsSilent checks that an unverified account keeps the
// form up without an error.
func (s *GateSuite) TestUnverifiedSignInIsSilent() {
	s.provider.AddUser("bob@gmail.com", "pw", false)
	s.gate.SignIn(s.ctx, "bob@gmail.com", "pw")

	v := s.gate.View()
	s.Nil(v.User)
	s.Empty(v.Message)
	s.Equal(ModeSignIn, v.Mode)
	s.NotNil(s.auth.CurrentUser(), "provider session exists, gate hides it")
}

// TestSignUpDomainPolicy covers the allow-list short circuit.
func (s *GateSuite) TestSignUpDomainPolicy() {
	for _, email := range []string{
		"user@yahoo.com",
		"user@GMAIL.com",
		"no-at-sign",
		"user@gmail.com.evil",
		"a@b@gmail.com",
		"",
	} {
		s.Run(email, func() {
			before := s.provider.Calls().Total()
			s.gate.SignUp(s.ctx, email, "secret1")

			s.Equal(MsgDomainNotAllowed, s.gate.View().Message)
			s.Equal(before, s.provider.Calls().Total(), "no provider calls")
		})
	}
}

// TestSignUpSendsOneVerification covers the allowed-domain path.
func (s *GateSuite) TestSignUpSendsOneVerification() {
	s.gate.ToggleMode()
	s.gate.SignUp(s.ctx, "carol@outlook.com", "secret1")

	calls := s.provider.Calls()
	s.Equal(1, calls.CreateAccount)
	s.Equal(1, calls.SendVerification)

	v := s.gate.View()
	s.Equal(MsgVerificationSent, v.Message)
	s.Nil(v.User, "new account is unverified")
	s.Equal(ModeSignUp, v.Mode)

	s.Run("verification observed on refresh", func() {
		s.provider.Verify("carol@outlook.com")
		s.Require().NoError(s.gate.Refresh(s.ctx))

		u := s.gate.User()
		s.Require().NotNil(u)
		s.True(u.EmailVerified)
	})
}

func (s *GateSuite) TestSignUpProviderErrors() {
	s.Run("duplicate account", func() {
		s.provider.AddUser("dan@gmail.com", "pw", true)
		s.gate.SignUp(s.ctx, "dan@gmail.com", "secret1")

		s.Equal("Firebase: Error (auth/email-already-in-use).", s.gate.View().Message)
		s.Equal(0, s.provider.Calls().SendVerification)
	})

	s.Run("verification send fails", func() {
		s.provider.VerificationErr = identity.NewError("too-many-requests", "Firebase: Error (auth/too-many-requests).", nil)
		s.gate.SignUp(s.ctx, "erin@gmail.com", "secret1")

		s.Equal("Firebase: Error (auth/too-many-requests).", s.gate.View().Message)
	})

	s.Run("transport failure gets a generic message", func() {
		s.provider.CreateErr = errors.New("dial tcp: connection refused")
		s.gate.SignUp(s.ctx, "fay@gmail.com", "secret1")

		s.Equal("Authentication failed. Please try again.", s.gate.View().Message)
	})
}

func (s *GateSuite) TestToggleModeClearsMessage() {
	s.gate.SignIn(s.ctx, "nobody@gmail.com", "bad")
	s.Require().NotEmpty(s.gate.View().Message)

	s.gate.ToggleMode()
	v := s.gate.View()
	s.Equal(ModeSignUp, v.Mode)
	s.Empty(v.Message)

	s.gate.ToggleMode()
	s.Equal(ModeSignIn, s.gate.View().Mode)
}

// TestSignOut checks that sign-out goes through the provider exactly once.
func (s *GateSuite) TestSignOut() {
	s.provider.AddUser("gus@gmail.com", "pw", true)
	s.gate.SignIn(s.ctx, "gus@gmail.com", "pw")
	s.Require().NotNil(s.gate.User())

	s.Require().NoError(s.gate.SignOut(s.ctx))
	s.Nil(s.gate.User())
	s.Equal(1, s.provider.Calls().SignOut)
}

func (s *GateSuite) TestUnmount() {
	s.Equal(1, s.auth.ObserverCount())

	s.gate.Unmount()
	s.gate.Unmount()
	s.False(s.gate.Mounted())
	s.Equal(0, s.auth.ObserverCount())

	// Transitions after unmount are not observed.
	s.provider.AddUser("hal@gmail.com", "pw", true)
	s.gate.SignIn(s.ctx, "hal@gmail.com", "pw")
	s.Nil(s.gate.User())

	s.gate.Mount()
	s.NotNil(s.gate.User(), "remount picks up the current state")
}

func (s *GateSuite) TestRevokedSessionSignsOut() {
	s.provider.AddUser("ivy@gmail.com", "pw", true)
	s.gate.SignIn(s.ctx, "ivy@gmail.com", "pw")
	s.Require().NotNil(s.gate.User())

	s.provider.Revoke("ivy@gmail.com")
	s.Require().NoError(s.gate.Refresh(s.ctx))
	s.Nil(s.gate.User())
}

func TestAllowedDomain(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"a@gmail.com", true},
		{"a@outlook.com", true},
		{"a@hotmail.com", false},
		{"a@Gmail.com", false},
		{"gmail.com", false},
		{"a@gmail.com@x", true},
	}
	for _, tt := range tests {
		if got := AllowedDomain(tt.email); got != tt.want {
			t.Errorf("AllowedDomain(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}
