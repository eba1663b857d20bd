package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an IdP failure for retry decisions.
type Kind int

const (
	// KindTransport is a network failure or timeout. Transient.
	KindTransport Kind = iota + 1
	// KindServer is a 5xx response. Transient.
	KindServer
	// KindClient is a 4xx response (validation, duplicate, not found). Permanent for the record.
	KindClient
	// KindDecode is a 2xx response whose body is not valid JSON or lacks an expected field. Permanent.
	KindDecode
	// KindToken is a failed client-credentials exchange. Transient.
	KindToken
	// KindConfig is a request that cannot be built from the configuration (bad base URL or path).
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindDecode:
		return "decode"
	case KindToken:
		return "token"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is returned by every Client and TokenCache call that did not succeed.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, 0 when no response was received
	Message string // the body's "message" when present, else the status or transport text
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("idp: %s error (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("idp: %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request later may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTransport, KindServer, KindToken:
		return true
	default:
		return false
	}
}

// Permanent reports whether the failure belongs to the record and will repeat on retry.
func (e *Error) Permanent() bool {
	return e.Kind == KindClient || e.Kind == KindDecode
}

// IsTransient reports whether err is an *Error that may succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient()
}

// IsPermanent reports whether err is an *Error that will fail again for the same record.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Permanent()
}

// IsConflict reports whether err is an *Error for a 409, which the IdP returns for a userName already taken.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusConflict
}

// Message returns the human-readable message of an *Error, or err.Error() otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
