package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed. The runtime uses
// it to decide between retrying, surfacing a login hint, or giving up.
type FailoverReason string

const (
	// FailoverAuth indicates authentication failure (HTTP 401, 403).
	FailoverAuth FailoverReason = "auth"

	// FailoverBilling indicates payment or quota issues (HTTP 402).
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429).
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverTimeout indicates the request timed out.
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx).
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400).
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the requested model does not exist
	// or is not enabled for the account.
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverSchemaCollision indicates two tool names normalized to the
	// same wire identifier, which would misroute tool calls.
	FailoverSchemaCollision FailoverReason = "schema_collision"

	// FailoverProtocol indicates the provider returned a response the
	// client could not interpret.
	FailoverProtocol FailoverReason = "protocol"

	// FailoverUnknown indicates an unclassified error.
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same provider may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether a different provider or model is worth
// trying instead.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverAuth, FailoverBilling, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model backend. It carries the
// context needed for retry decisions and for readable logs.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string

	// Status is the HTTP status code, if one was observed.
	Status int

	// Code is the provider-specific error code, if one was reported.
	Code string

	Message string

	// RequestID is the provider's request ID for support tickets.
	RequestID string

	Cause error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause in a ProviderError, classifying it from the
// error text. Use the With* builders to refine the classification.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithReason overrides the classification.
func (e *ProviderError) WithReason(reason FailoverReason) *ProviderError {
	e.Reason = reason
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage replaces the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ReasonOf extracts the FailoverReason from err, unwrapping as needed.
// Errors that are not ProviderErrors classify by their text.
func ReasonOf(err error) FailoverReason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ClassifyError(err)
}

// ClassifyError inspects an error's text and returns a FailoverReason.
// HTTP status classification is preferred when a status is available;
// this is the fallback for SDK errors that only surface strings.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return FailoverTimeout

	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return FailoverRateLimit

	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return FailoverAuth

	case strings.Contains(errStr, "billing"),
		strings.Contains(errStr, "payment"),
		strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "402"):
		return FailoverBilling

	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "model_not_found"),
		strings.Contains(errStr, "does not exist"),
		strings.Contains(errStr, "unavailable"):
		return FailoverModelUnavailable

	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return FailoverServerError
	}

	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}
