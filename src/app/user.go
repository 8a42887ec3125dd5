package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

type (
	// Credentials exist only for the duration of a login call.
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	// Registration is the payload of the sign-up form.
	Registration struct {
		Email     string `json:"email"`
		Password1 string `json:"password1"`
		Password2 string `json:"password2"`
	}

	// Session is the persisted token pair. Expiry is decoded from the access
	// token when it is a JWT and is never stored on its own.
	Session struct {
		AccessToken  string    `json:"access"`
		RefreshToken string    `json:"refresh,omitempty"`
		Expiry       time.Time `json:"expires_at,omitempty"`
	}

	// UploadRequest is built per submission and dropped once the call returns.
	UploadRequest struct {
		Image       []byte
		Filename    string
		ContentType string
		Category    string
		Description string
		Priority    string
		Location    string
	}
)

// NewSession builds a Session and decodes the access token expiry if it has one.
func NewSession(accessToken, refreshToken string) Session {
	return Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       AccessTokenExpiry(accessToken),
	}
}

// AccessTokenExpiry reads the exp claim without verifying the signature.
// The server stays the authority on validity, this is only used to skip a
// request that is certain to be rejected. Zero means unknown.
func AccessTokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (s Session) Valid() bool {
	return s.AccessToken != ""
}

func (s Session) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// Token exposes the session as an oauth2 token so the bearer header is
// written the same way for every issuer.
func (s Session) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.Expiry,
	}
}

func (c Credentials) Validate() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	return nil
}

func (r Registration) Validate() error {
	if r.Email == "" || r.Password1 == "" || r.Password2 == "" {
		return fmt.Errorf("email and both passwords are required")
	}
	return nil
}

// Normalize fills the filename and content type when the caller left them out.
func (u *UploadRequest) Normalize(now time.Time) error {
	if len(u.Image) == 0 {
		return fmt.Errorf("no image selected")
	}
	if u.Filename == "" {
		u.Filename = fmt.Sprintf("upload_%d.jpg", now.UnixMilli())
	}
	if u.ContentType == "" {
		u.ContentType = http.DetectContentType(u.Image)
	}
	return nil
}
