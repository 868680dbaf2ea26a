// Package service contains the service layer for the Tradecore API
package service

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures for propagation policy: transient and
// auth errors are recovered locally, protocol errors are counted and
// dropped, contract and resource errors go back to the caller, fatal
// errors shut the owning component down.
type ErrKind string

const (
	KindTransient ErrKind = "TransientException"
	KindAuth      ErrKind = "TokenException"
	KindProtocol  ErrKind = "ProtocolException"
	KindContract  ErrKind = "InputException"
	KindResource  ErrKind = "ResourceException"
	KindFatal     ErrKind = "GeneralException"
)

// KindError carries a kind alongside the message
type KindError struct {
	Kind    ErrKind
	Message string
	wrapped error
}

func (e *KindError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *KindError) Unwrap() error { return e.wrapped }

// E builds a KindError
func E(kind ErrKind, message string) error {
	return &KindError{Kind: kind, Message: message}
}

// Wrap builds a KindError around an underlying error
func Wrap(kind ErrKind, message string, err error) error {
	return &KindError{Kind: kind, Message: message, wrapped: err}
}

// KindOf extracts the kind; unclassified errors report as fatal
func KindOf(err error) ErrKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}
