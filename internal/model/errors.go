package model

import "errors"

type ErrorKind string

const (
	KindNetwork               ErrorKind = "network_error"
	KindServiceUnavailable    ErrorKind = "service_unavailable"
	KindPayloadTooLarge       ErrorKind = "payload_too_large"
	KindKeyUnavailable        ErrorKind = "key_unavailable"
	KindAuthenticationFailure ErrorKind = "authentication_failure"
	KindBadRequest            ErrorKind = "bad_request"
	KindInternal              ErrorKind = "internal"
)

var (
	ErrNetwork               = errors.New("network error")
	ErrServiceUnavailable    = errors.New("encryption service unavailable")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrKeyUnavailable        = errors.New("key unavailable")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrBadRequest            = errors.New("bad request")
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{ErrKeyUnavailable, KindKeyUnavailable},
	{ErrAuthenticationFailure, KindAuthenticationFailure},
	{ErrBadRequest, KindBadRequest},
	{ErrServiceUnavailable, KindServiceUnavailable},
	{ErrNetwork, KindNetwork},
}

// KindOf classifies err. Unknown errors are reported as KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Err maps a kind received over the wire back to its sentinel.
func (k ErrorKind) Err() error {
	for _, e := range kinds {
		if e.kind == k {
			return e.err
		}
	}
	return errors.New(string(k))
}

// Terminal reports whether retrying cannot change the outcome.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindPayloadTooLarge, KindKeyUnavailable, KindAuthenticationFailure, KindBadRequest:
		return true
	}
	return false
}
