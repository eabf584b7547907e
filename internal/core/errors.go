package core

import (
	"errors"
	"fmt"
)

// Errors surfaced to the originating connection. Each carries a stable wire
// code so clients can react without parsing messages.
var (
	// Envelope errors
	ErrMalformedMessage    = &Error{Code: "malformed_message", Message: "malformed message"}
	ErrUnsupportedProtocol = &Error{Code: "unsupported_protocol", Message: "unsupported protocol"}

	// Registration errors
	ErrDuplicateRegistration = &Error{Code: "duplicate_registration", Message: "connection already registered"}
	ErrInvalidIdentifier     = &Error{Code: "invalid_identifier", Message: "invalid participant identifier"}
	ErrNotRegistered         = &Error{Code: "not_registered", Message: "connection not registered"}

	// Knowledge errors
	ErrInvalidKnowledgeItem = &Error{Code: "invalid_knowledge_item", Message: "invalid knowledge item"}
	ErrNotFound             = &Error{Code: "not_found", Message: "knowledge item not found"}
)

// Delivery errors. These never reach the sender.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBackpressure     = errors.New("outbound queue full")
)

// Error is a coded error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf wraps one of the coded errors with detail, keeping errors.Is intact.
func Errorf(kind *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Code returns the wire code for err, or "internal" for uncoded errors.
func Code(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return "internal"
}

// DeliveryError records a failed delivery to a single target connection.
type DeliveryError struct {
	ConnectionID  string
	ParticipantID string
	RoutingID     string
	Err           error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s (%s): %v", e.RoutingID, e.ParticipantID, e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
