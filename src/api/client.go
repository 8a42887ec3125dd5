package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"snapup/src/app"
	cfg "snapup/src/configuration"
	"snapup/src/repository"
)

// ErrInvalidInput marks input rejected before any network call.
var ErrInvalidInput = errors.New("invalid input")

const refreshKey = "refresh"

// Client is the authenticated access layer over the REST API. It is built
// once per process and is safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	paths     cfg.APIProperties
	http      *http.Client
	tokens    *repository.TokenStore
	issuer    TokenIssuer
	log       logrus.FieldLogger
	refreshes singleflight.Group
	now       func() time.Time
}

// NewClient builds the client. With AUTH_ISSUER set the OIDC provider is
// discovered here, so ctx bounds that round trip.
func NewClient(ctx context.Context, config *cfg.Properties, tokens *repository.TokenStore, logger logrus.FieldLogger) (*Client, error) {
	baseURL, err := url.Parse(config.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base url %q: %w", config.API.BaseURL, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("API base url %q must be absolute", config.API.BaseURL)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	c := &Client{
		baseURL: baseURL,
		paths:   config.API,
		http: &http.Client{
			Timeout: config.API.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		tokens: tokens,
		log:    logger.WithField("component", "api"),
		now:    time.Now,
	}

	if config.Auth.Issuer != "" {
		issuer, err := newOIDCIssuer(ctx, &config.Auth, c.http)
		if err != nil {
			return nil, err
		}
		c.issuer = issuer
		c.log.Infof("issuing tokens through %s", config.Auth.Issuer)
	} else {
		c.issuer = newRestIssuer(c, &config.API)
	}
	return c, nil
}

// Login exchanges credentials for a session and persists it. Nothing is
// persisted when it fails.
func (c *Client) Login(ctx context.Context, username, password string) (app.Session, error) {
	creds := app.Credentials{Username: username, Password: password}
	if err := creds.Validate(); err != nil {
		return app.Session{}, &AuthError{Reason: InvalidCredentials, Err: err}
	}

	session, err := c.issuer.Issue(ctx, creds)
	if errors.Is(err, ErrInvalidInput) {
		return app.Session{}, err
	}
	if err != nil {
		authErr := classifyLogin(err)
		c.log.WithError(err).WithField("username", username).Warnf("login failed: %s", authErr.Reason)
		return app.Session{}, authErr
	}
	if err := c.tokens.Save(ctx, session); err != nil {
		return app.Session{}, fmt.Errorf("persist session: %w", err)
	}
	c.log.WithField("username", username).Info("logged in")
	return session, nil
}

// Logout removes the persisted session. Storage errors are only logged.
func (c *Client) Logout(ctx context.Context) {
	if err := c.tokens.Clear(ctx); err != nil {
		c.log.WithError(err).Warn("logout: could not clear session")
		return
	}
	c.log.Info("logged out")
}

// Session returns the persisted session, or repository.ErrNoSession.
func (c *Client) Session(ctx context.Context) (app.Session, error) {
	return c.tokens.Load(ctx)
}

// Refresh renews the access token with the persisted refresh token. On
// failure the stale session is left in place.
func (c *Client) Refresh(ctx context.Context) (app.Session, error) {
	return c.refresh(ctx, "")
}

// refresh runs at most one renewal at a time; concurrent callers wait for
// the one in flight. When stale is set and storage already holds a different
// access token, that token is returned without a network call.
func (c *Client) refresh(ctx context.Context, stale string) (app.Session, error) {
	ch := c.refreshes.DoChan(refreshKey, func() (any, error) {
		// the renewal is shared, so one waiter giving up must not cancel it
		return c.renew(context.WithoutCancel(ctx), stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return app.Session{}, res.Err
		}
		return res.Val.(app.Session), nil
	case <-ctx.Done():
		return app.Session{}, &AuthError{Reason: RefreshRejected, Err: ctx.Err()}
	}
}

func (c *Client) renew(ctx context.Context, stale string) (app.Session, error) {
	if stale != "" {
		current, err := c.tokens.Load(ctx)
		if err == nil && current.AccessToken != stale && !current.Expired(c.now()) {
			c.log.Debug("access token already renewed by another request")
			return current, nil
		}
	}

	refreshToken, err := c.tokens.RefreshToken(ctx)
	if errors.Is(err, repository.ErrNoSession) {
		return app.Session{}, &AuthError{Reason: NoSession}
	}
	if err != nil {
		return app.Session{}, &AuthError{Reason: RefreshRejected, Err: err}
	}

	renewed, err := c.issuer.Renew(ctx, refreshToken)
	if err != nil {
		authErr := &AuthError{Reason: RefreshRejected, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			authErr.Status = se.Status
			authErr.Body = se.Body
		}
		c.log.WithError(err).Warn("refresh rejected")
		return app.Session{}, authErr
	}

	// a rotated refresh token goes in before the access token
	if renewed.RefreshToken != "" && renewed.RefreshToken != refreshToken {
		if err := c.tokens.SaveRefresh(ctx, renewed.RefreshToken); err != nil {
			return app.Session{}, &AuthError{Reason: RefreshRejected, Err: err}
		}
		refreshToken = renewed.RefreshToken
	}
	if err := c.tokens.SaveAccess(ctx, renewed.AccessToken); err != nil {
		return app.Session{}, &AuthError{Reason: RefreshRejected, Err: err}
	}

	session := app.NewSession(renewed.AccessToken, refreshToken)
	if !renewed.Expiry.IsZero() {
		session.Expiry = renewed.Expiry
	}
	c.log.Debug("access token refreshed")
	return session, nil
}

// Request sends one logical call with the stored access token. A 401 is
// answered with a single refresh and retry; a second 401 is returned as
// ServerRejected. The non-2xx Response is returned alongside its ApiError.
// A body or request that can not be built fails with ErrInvalidInput before
// anything is sent.
func (c *Client) Request(ctx context.Context, method, path string, body Body) (*Response, error) {
	requestID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
	})

	session, err := c.tokens.Load(ctx)
	if err != nil && !errors.Is(err, repository.ErrNoSession) {
		return nil, fmt.Errorf("read session: %w", err)
	}

	refreshed := false
	if session.Valid() && session.Expired(c.now()) {
		log.Debug("access token expired, refreshing before send")
		refreshed = true
		if session, err = c.refresh(ctx, session.AccessToken); err != nil {
			return nil, c.expire(ctx, log, err)
		}
	}

	for {
		var token *oauth2.Token
		if session.Valid() {
			token = session.Token()
		}
		resp, err := c.send(ctx, method, path, body, token, requestID)
		if errors.Is(err, ErrInvalidInput) {
			log.WithError(err).Warn("request not sent")
			return nil, err
		}
		if err != nil {
			log.WithError(err).Warn("request failed")
			return nil, &ApiError{Reason: NetworkFailure, Err: err}
		}

		switch {
		case resp.OK():
			log.WithField("status", resp.Status).Debug("request done")
			return resp, nil
		case resp.Status == http.StatusUnauthorized && !refreshed:
			log.Info("access token rejected, refreshing")
			refreshed = true
			if session, err = c.refresh(ctx, session.AccessToken); err != nil {
				return nil, c.expire(ctx, log, err)
			}
		default:
			log.WithField("status", resp.Status).Warn("request rejected")
			return resp, &ApiError{Reason: ServerRejected, Status: resp.Status, Body: resp.Body}
		}
	}
}

// expire turns a failed refresh into SessionExpired and drops the session.
// A caller that gave up keeps its session.
func (c *Client) expire(ctx context.Context, log logrus.FieldLogger, err error) error {
	if ctx.Err() != nil {
		return &ApiError{Reason: NetworkFailure, Err: ctx.Err()}
	}
	log.WithError(err).Warn("session expired")
	c.Logout(ctx)
	return &ApiError{Reason: SessionExpired, Err: err}
}

// Register creates an account. It never sends a bearer token.
func (c *Client) Register(ctx context.Context, registration app.Registration) error {
	if err := registration.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	resp, err := c.send(ctx, http.MethodPost, c.paths.RegistrationPath, JSONBody(registration), nil, uuid.NewString())
	if errors.Is(err, ErrInvalidInput) {
		return err
	}
	if err != nil {
		return &ApiError{Reason: NetworkFailure, Err: err}
	}
	if !resp.OK() {
		return &ApiError{Reason: ServerRejected, Status: resp.Status, Body: resp.Body}
	}
	c.log.WithField("email", registration.Email).Info("registered")
	return nil
}

// Upload posts an image with its form fields. It requires a session and
// fails with SessionExpired without a network call when there is none.
func (c *Client) Upload(ctx context.Context, upload app.UploadRequest) (*Response, error) {
	if err := upload.Normalize(c.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := c.tokens.Load(ctx); err != nil {
		if errors.Is(err, repository.ErrNoSession) {
			return nil, &ApiError{Reason: SessionExpired, Err: err}
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	body := MultipartBody(
		[]FormField{
			{Name: "category", Value: upload.Category},
			{Name: "description", Value: upload.Description},
			{Name: "priority", Value: upload.Priority},
			{Name: "location", Value: upload.Location},
		},
		FormFile{
			Field:       "image",
			Filename:    upload.Filename,
			ContentType: upload.ContentType,
			Data:        upload.Image,
		},
	)
	return c.Request(ctx, http.MethodPost, c.paths.UploadPath, body)
}

// Close releases idle connections. The token store is owned by the caller.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func classifyLogin(err error) *AuthError {
	var se *statusError
	if errors.As(err, &se) {
		reason := InvalidCredentials
		if se.Status >= http.StatusInternalServerError {
			reason = AuthNetworkFailure
		}
		return &AuthError{Reason: reason, Status: se.Status, Body: se.Body, Err: err}
	}
	return &AuthError{Reason: AuthNetworkFailure, Err: err}
}
