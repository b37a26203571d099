package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrTransportLost      = errors.New("transport lost")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrUnknownEntity      = errors.New("unknown entity")
	ErrHandlerRegistered  = errors.New("handler already registered")
	ErrInvalidState       = errors.New("invalid state")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrProducerNotFound   = errors.New("producer not found")
)

// TransportLostError is reported when a transport goes closed, failed or
// disconnected.
type TransportLostError struct {
	TransportID TransportID
	Direction   TransportDirection
	State       string
}

func (e *TransportLostError) Error() string {
	return fmt.Sprintf("%s transport %s lost: %s", e.Direction, e.TransportID, e.State)
}

func (e *TransportLostError) Is(target error) bool {
	return target == ErrTransportLost
}

// CapabilityMismatchError is returned when the local device cannot handle a
// media kind (or any codec at all) offered by the router.
type CapabilityMismatchError struct {
	Kind   MediaKind
	Reason string
}

func (e *CapabilityMismatchError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("capability mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("capability mismatch for %s: %s", e.Kind, e.Reason)
}

func (e *CapabilityMismatchError) Is(target error) bool {
	return target == ErrCapabilityMismatch
}

// ProtocolViolationError describes a signaling message that arrived in a state
// where it is not allowed.
type ProtocolViolationError struct {
	ParticipantID ParticipantID
	Message       string
	State         string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation from %s: %s while %s", e.ParticipantID, e.Message, e.State)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}
