package api

import (
	"errors"
	"fmt"
)

type (
	AuthReason int
	ApiReason  int
)

const (
	InvalidCredentials AuthReason = iota + 1
	AuthNetworkFailure
	NoSession
	RefreshRejected
)

const (
	SessionExpired ApiReason = iota + 1
	ServerRejected
	NetworkFailure
)

// Sentinels for errors.Is; every AuthError and ApiError matches the one of its reason.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthNetwork        = errors.New("authentication unreachable")
	ErrNoSession          = errors.New("no session")
	ErrRefreshRejected    = errors.New("refresh rejected")

	ErrSessionExpired = errors.New("session expired")
	ErrServerRejected = errors.New("server rejected request")
	ErrNetwork        = errors.New("network failure")
)

type (
	// AuthError is returned by Login and Refresh.
	AuthError struct {
		Reason AuthReason
		Status int
		Body   []byte
		Err    error
	}

	// ApiError is returned by Request and the operations built on it.
	ApiError struct {
		Reason ApiReason
		Status int
		Body   []byte
		Err    error
	}
)

func (r AuthReason) sentinel() error {
	switch r {
	case InvalidCredentials:
		return ErrInvalidCredentials
	case AuthNetworkFailure:
		return ErrAuthNetwork
	case NoSession:
		return ErrNoSession
	case RefreshRejected:
		return ErrRefreshRejected
	}
	return nil
}

func (r AuthReason) String() string {
	if s := r.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("auth reason %d", int(r))
}

func (r ApiReason) sentinel() error {
	switch r {
	case SessionExpired:
		return ErrSessionExpired
	case ServerRejected:
		return ErrServerRejected
	case NetworkFailure:
		return ErrNetwork
	}
	return nil
}

func (r ApiReason) String() string {
	if s := r.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("api reason %d", int(r))
}

func (e *AuthError) Error() string {
	msg := e.Reason.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Is(target error) bool {
	return target == e.Reason.sentinel()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *ApiError) Error() string {
	msg := e.Reason.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ApiError) Is(target error) bool {
	return target == e.Reason.sentinel()
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

// statusError is how issuers report a non-2xx answer before the client
// classifies it.
type statusError struct {
	Status int
	Body   []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, truncate(e.Body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
