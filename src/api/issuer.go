package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"snapup/src/app"
	cfg "snapup/src/configuration"
)

// TokenIssuer obtains and renews sessions. A non-2xx answer is reported as
// *statusError, anything else is a transport or decoding failure.
type TokenIssuer interface {
	Issue(ctx context.Context, creds app.Credentials) (app.Session, error)
	// Renew returns the new access token. RefreshToken is set only when the
	// server rotated it.
	Renew(ctx context.Context, refreshToken string) (app.Session, error)
}

type (
	restIssuer struct {
		client      *Client
		tokenPath   string
		refreshPath string
	}

	tokenResponse struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}

	refreshRequest struct {
		Refresh string `json:"refresh"`
	}
)

func newRestIssuer(client *Client, config *cfg.APIProperties) *restIssuer {
	return &restIssuer{
		client:      client,
		tokenPath:   config.TokenPath,
		refreshPath: config.RefreshPath,
	}
}

func (r *restIssuer) Issue(ctx context.Context, creds app.Credentials) (app.Session, error) {
	tokens, err := r.post(ctx, r.tokenPath, creds)
	if err != nil {
		return app.Session{}, err
	}
	if tokens.Access == "" {
		return app.Session{}, fmt.Errorf("token response has no access token")
	}
	return app.NewSession(tokens.Access, tokens.Refresh), nil
}

func (r *restIssuer) Renew(ctx context.Context, refreshToken string) (app.Session, error) {
	tokens, err := r.post(ctx, r.refreshPath, refreshRequest{Refresh: refreshToken})
	if err != nil {
		return app.Session{}, err
	}
	if tokens.Access == "" {
		return app.Session{}, fmt.Errorf("refresh response has no access token")
	}
	return app.NewSession(tokens.Access, tokens.Refresh), nil
}

func (r *restIssuer) post(ctx context.Context, path string, payload any) (*tokenResponse, error) {
	resp, err := r.client.send(ctx, http.MethodPost, path, JSONBody(payload), nil, "")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &statusError{Status: resp.Status, Body: resp.Body}
	}
	var tokens tokenResponse
	if err := resp.Decode(&tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// oidcIssuer logs in with the resource owner password grant against a
// discovered OpenID Connect provider.
type oidcIssuer struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
	http     *http.Client
}

func newOIDCIssuer(ctx context.Context, config *cfg.AuthProperties, httpClient *http.Client) (*oidcIssuer, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating OIDC provider %s: %w", config.Issuer, err)
	}
	return &oidcIssuer{
		config: oauth2.Config{
			ClientID:     config.ID,
			ClientSecret: config.Secret,
			Endpoint:     provider.Endpoint(),
			Scopes:       config.Scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ID}),
		http:     httpClient,
	}, nil
}

func (o *oidcIssuer) Issue(ctx context.Context, creds app.Credentials) (app.Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.http)
	token, err := o.config.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
	if err != nil {
		return app.Session{}, retrieveError(err)
	}
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		if _, err := o.verifier.Verify(oidc.ClientContext(ctx, o.http), rawIDToken); err != nil {
			return app.Session{}, fmt.Errorf("verifying ID token: %w", err)
		}
	}
	return sessionFromToken(token), nil
}

func (o *oidcIssuer) Renew(ctx context.Context, refreshToken string) (app.Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.http)
	token, err := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return app.Session{}, retrieveError(err)
	}
	session := sessionFromToken(token)
	if session.RefreshToken == refreshToken {
		session.RefreshToken = ""
	}
	return session, nil
}

func sessionFromToken(token *oauth2.Token) app.Session {
	session := app.NewSession(token.AccessToken, token.RefreshToken)
	if !token.Expiry.IsZero() {
		session.Expiry = token.Expiry
	}
	return session
}

func retrieveError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &statusError{Status: re.Response.StatusCode, Body: re.Body}
	}
	return err
}
