package coinbase

import (
	"errors"
	"fmt"
)

// ConnectionError is a transport-level failure: the request never received a
// well-formed HTTP response. Always retryable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError is an authentication failure, either local credential handling
// (bad key material) or a rejected credential upstream.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is an HTTP 429 from the exchange. Retryable.
type RateLimitError struct {
	Body string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s", e.Body)
}

// RequestError is any other non-2xx HTTP response, with the status code
// preserved for retry classification.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// ResponseError is a 2xx response whose payload could not be decoded into
// the expected shape. Non-retryable.
type ResponseError struct {
	Message string
	Err     error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected response: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("unexpected response: %s", e.Message)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// IsRetryable classifies an error for the retry driver. Client errors
// (400, 401, 403, 404), auth failures and malformed payloads cannot be fixed
// by retrying; everything else (transport faults, 429, 5xx) can.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode {
		case 400, 401, 403, 404:
			return false
		}
		return true
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}

	return true
}
