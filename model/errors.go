package model

// Error codes carried on error events. Guard violations in the
// negotiation state machine map to a distinct code each so clients can
// render precise feedback.
const (
	CodeBadEvent               = "BAD_EVENT"
	CodeProviderUnavailable    = "PROVIDER_UNAVAILABLE"
	CodeNegotiationNotFound    = "NEGOTIATION_NOT_FOUND"
	CodeNotAuthorizedResponder = "NOT_AUTHORIZED_RESPONDER"
	CodeAlreadyResolved        = "ALREADY_RESOLVED"
	CodeProvisioningFailed     = "PROVISIONING_FAILED"
)

// RelayError is a guard or validation failure that should reach the
// offending client as an error event and nobody else.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return e.Code + ": " + e.Message
}

func NewRelayError(code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}
