package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError reports a malformed webhook payload.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid payload: " + e.Reason }

// AuthError reports a missing or wrong webhook secret.
// Unconfigured is set when the instance has no secret stored at all.
type AuthError struct {
	Reason       string
	Unconfigured bool
}

func (e *AuthError) Error() string { return "unauthorized: " + e.Reason }

// NotFoundError reports an unknown entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// NoCredentialError is returned when no usable provider credential exists for a tenant.
type NoCredentialError struct {
	TenantID string
	Provider ProviderID
	Reason   string
}

func (e *NoCredentialError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("no credential for tenant %s (provider %s): %s", e.TenantID, e.Provider, e.Reason)
	}
	return fmt.Sprintf("no credential for tenant %s: %s", e.TenantID, e.Reason)
}

// FailureReason classifies why a provider call failed.
type FailureReason string

const (
	ReasonAuth       FailureReason = "auth"
	ReasonRateLimit  FailureReason = "rate_limit"
	ReasonBilling    FailureReason = "billing"
	ReasonTimeout    FailureReason = "timeout"
	ReasonOverloaded FailureReason = "overloaded"
	ReasonFormat     FailureReason = "format"
	ReasonEmpty      FailureReason = "empty"
	ReasonUnknown    FailureReason = "unknown"
)

// ReasonFromStatus maps an HTTP status code to a FailureReason.
func ReasonFromStatus(status int) FailureReason {
	switch status {
	case 400, 404, 422:
		return ReasonFormat
	case 401, 403:
		return ReasonAuth
	case 402:
		return ReasonBilling
	case 429:
		return ReasonRateLimit
	case 408, 504:
		return ReasonTimeout
	case 500, 502, 503, 529:
		return ReasonOverloaded
	default:
		return ReasonUnknown
	}
}

// ProviderError is the single error shape returned by every provider adapter.
type ProviderError struct {
	Provider ProviderID
	Model    string
	Status   int
	Body     string
	Reason   FailureReason
	Err      error
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s (%s", e.Provider, e.Model, e.Reason)
	if e.Status > 0 {
		fmt.Fprintf(&sb, ", status %d", e.Status)
	}
	sb.WriteString(")")
	switch {
	case e.Body != "":
		sb.WriteString(": " + e.Body)
	case e.Err != nil:
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewTransportError builds a ProviderError for a request that never got a response.
func NewTransportError(provider ProviderID, model string, err error) *ProviderError {
	reason := ReasonUnknown
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") ||
		strings.Contains(err.Error(), "deadline exceeded") {
		reason = ReasonTimeout
	}
	return &ProviderError{Provider: provider, Model: model, Reason: reason, Err: err}
}

// NewStatusError builds a ProviderError for a non-2xx response.
func NewStatusError(provider ProviderID, model string, status int, body string) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Status: status, Body: body, Reason: ReasonFromStatus(status)}
}

// DeliveryAttempt records one try against a reply endpoint.
type DeliveryAttempt struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (a DeliveryAttempt) String() string {
	if a.Err != nil {
		return fmt.Sprintf("%s: %v", a.URL, a.Err)
	}
	return fmt.Sprintf("%s: %d %s", a.URL, a.Status, a.Body)
}

// DeliveryError is returned when every reply endpoint failed.
type DeliveryError struct {
	Attempts []DeliveryAttempt
}

func (e *DeliveryError) Error() string {
	if len(e.Attempts) == 0 {
		return "delivery failed: no endpoints configured"
	}
	return fmt.Sprintf("delivery failed after %d attempts, last: %s", len(e.Attempts), e.Attempts[len(e.Attempts)-1])
}

// LastBody returns the raw body (or transport error) of the final attempt.
func (e *DeliveryError) LastBody() string {
	if len(e.Attempts) == 0 {
		return ""
	}
	last := e.Attempts[len(e.Attempts)-1]
	if last.Err != nil {
		return last.Err.Error()
	}
	return last.Body
}

// HTTPStatus maps an error returned by ingress to the HTTP response code.
// Errors that are recorded on the message itself map to 200.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var (
		ve *ValidationError
		ae *AuthError
		ne *NotFoundError
		ce *NoCredentialError
		pe *ProviderError
		de *DeliveryError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		if ae.Unconfigured {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ce), errors.As(err, &pe), errors.As(err, &de):
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
