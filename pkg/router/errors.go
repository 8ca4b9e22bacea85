package router

import "fmt"

// ErrorKind classifies delivery failures
type ErrorKind string

const (
	ErrKindTransportNotActive    ErrorKind = "transport_not_active"
	ErrKindInteractiveSendFailed ErrorKind = "interactive_send_failed"
	ErrKindEncodingFailed        ErrorKind = "encoding_failed"
	ErrKindTransferFailed        ErrorKind = "transfer_failed"
	ErrKindAuthorizationDenied   ErrorKind = "authorization_denied"
)

// DeliveryError is a typed delivery failure. Delivery errors are non-fatal
// to the pipeline; the router falls back to the next path and only
// exhausted retries surface to observers.
type DeliveryError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewError creates a typed delivery error
func NewError(kind ErrorKind, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Err: err}
}

// KindOf extracts the delivery error kind, or empty if err is not a
// DeliveryError
func KindOf(err error) ErrorKind {
	if de, ok := err.(*DeliveryError); ok {
		return de.Kind
	}
	return ""
}
