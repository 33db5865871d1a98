// Package rets defines the error taxonomy shared by every sync subsystem
// (spec.md §7). Each error kind carries whether a caller should retry and,
// for protocol errors, the RETS reply code that produced it.
package rets

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransport     Kind = "transport_error"
	KindProtocol      Kind = "protocol_error"
	KindParse         Kind = "parse_error"
	KindSchema        Kind = "schema_error"
	KindData          Kind = "data_error"
	KindImageDecode   Kind = "image_decode_error"
	KindStorage       Kind = "storage_error"
	KindFatalInit     Kind = "fatal_init"
)

// Error is the common shape for every classified failure in the sync
// engine. Retryable tells the caller's retry/backoff logic whether trying
// again is meaningful; it is never true for ParseError or SchemaError.
type Error struct {
	Kind      Kind
	Message   string
	ReplyCode string // set for KindProtocol
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.ReplyCode != "" {
		return fmt.Sprintf("%s (reply %s): %s", e.Kind, e.ReplyCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Transport(message string, cause error) error {
	return &Error{Kind: KindTransport, Message: message, Retryable: true, Cause: cause}
}

func Protocol(replyCode, message string) error {
	return &Error{Kind: KindProtocol, Message: message, ReplyCode: replyCode, Retryable: false}
}

func Parse(message string, cause error) error {
	return &Error{Kind: KindParse, Message: message, Retryable: false, Cause: cause}
}

func Schema(message string, cause error) error {
	return &Error{Kind: KindSchema, Message: message, Retryable: false, Cause: cause}
}

func Data(message string, cause error) error {
	return &Error{Kind: KindData, Message: message, Retryable: false, Cause: cause}
}

func ImageDecode(message string, cause error) error {
	return &Error{Kind: KindImageDecode, Message: message, Retryable: false, Cause: cause}
}

func Storage(message string, cause error) error {
	return &Error{Kind: KindStorage, Message: message, Retryable: true, Cause: cause}
}

func FatalInit(message string, cause error) error {
	return &Error{Kind: KindFatalInit, Message: message, Retryable: false, Cause: cause}
}

// As extracts a *Error from err, mirroring the teacher's errors.As usage in
// rcloneerrors.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}
