package repository

import (
	"context"
	"errors"
	"fmt"

	"snapup/src/app"
)

// Keys shared with the mobile app's storage layout. A missing access token
// means logged out.
const (
	AccessTokenKey  = "token"
	RefreshTokenKey = "refreshToken"
)

var ErrNoSession = errors.New("no session")

// TokenStore is the only reader and writer of tokens.
type TokenStore struct {
	kv KeyValueStore
}

func NewTokenStore(kv KeyValueStore) *TokenStore {
	return &TokenStore{kv: kv}
}

// Load returns the persisted session or ErrNoSession.
func (t *TokenStore) Load(ctx context.Context) (app.Session, error) {
	access, err := t.get(ctx, AccessTokenKey)
	if err != nil {
		return app.Session{}, err
	}
	refresh, err := t.get(ctx, RefreshTokenKey)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return app.Session{}, err
	}
	return app.NewSession(access, refresh), nil
}

// RefreshToken returns the persisted refresh token or ErrNoSession.
func (t *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	return t.get(ctx, RefreshTokenKey)
}

// Save persists both tokens. On a partial write the session is cleared so a
// failed login leaves nothing behind.
func (t *TokenStore) Save(ctx context.Context, session app.Session) error {
	if err := t.kv.Set(ctx, AccessTokenKey, session.AccessToken); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if err := t.SaveRefresh(ctx, session.RefreshToken); err != nil {
		return errors.Join(err, t.Clear(ctx))
	}
	return nil
}

func (t *TokenStore) SaveAccess(ctx context.Context, accessToken string) error {
	if err := t.kv.Set(ctx, AccessTokenKey, accessToken); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return nil
}

// SaveRefresh stores the refresh token, or removes it when empty.
func (t *TokenStore) SaveRefresh(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		if err := t.kv.Remove(ctx, RefreshTokenKey); err != nil {
			return fmt.Errorf("remove refresh token: %w", err)
		}
		return nil
	}
	if err := t.kv.Set(ctx, RefreshTokenKey, refreshToken); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Clear removes both keys. Both removals are always attempted.
func (t *TokenStore) Clear(ctx context.Context) error {
	return errors.Join(
		t.kv.Remove(ctx, AccessTokenKey),
		t.kv.Remove(ctx, RefreshTokenKey),
	)
}

func (t *TokenStore) Close() error {
	return t.kv.Close()
}

func (t *TokenStore) get(ctx context.Context, key string) (string, error) {
	value, err := t.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) || (err == nil && value == "") {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}
