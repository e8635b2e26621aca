package agent

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCredentialMissing means no API key was available for the call.
	ErrCredentialMissing = errors.New("API key is missing")
	// ErrAuthentication means the endpoint rejected the API key.
	ErrAuthentication = errors.New("API key was rejected")
	// ErrEndpoint matches every *EndpointError.
	ErrEndpoint = errors.New("completion endpoint error")
	// ErrPayloadDecode matches every *PayloadDecodeError.
	ErrPayloadDecode = errors.New("payload decode error")
)

// IsCredentialError reports whether err asks for a (new) credential.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrCredentialMissing) || errors.Is(err, ErrAuthentication)
}

// EndpointError wraps a transport or endpoint failure. The message of the
// underlying error is surfaced unchanged.
type EndpointError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *EndpointError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s endpoint returned %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s endpoint error: %v", e.Provider, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

func (e *EndpointError) Is(target error) bool { return target == ErrEndpoint }

// PayloadDecodeError reports a structured payload that could not be used.
type PayloadDecodeError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("failed to decode %q payload: %v", e.Schema, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

func (e *PayloadDecodeError) Is(target error) bool { return target == ErrPayloadDecode }

// classifyStatus turns an HTTP status from a provider SDK error into the
// package's error vocabulary.
func classifyStatus(provider string, status int, err error) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w (%s, status %d): %v", ErrAuthentication, provider, status, err)
	}
	return &EndpointError{Provider: provider, StatusCode: status, Err: err}
}

// wrapEndpoint leaves already classified errors alone and wraps the rest.
func wrapEndpoint(provider string, err error) error {
	if err == nil || IsCredentialError(err) || errors.Is(err, ErrEndpoint) {
		return err
	}
	return &EndpointError{Provider: provider, Err: err}
}
