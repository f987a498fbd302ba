// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package errors defines the error kinds surfaced at component boundaries.
// Inner failures are wrapped into one of these kinds before crossing a
// package boundary so callers can branch on the kind instead of on concrete
// driver errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error at a component boundary.
type Kind int

// The error kinds of the control plane.
const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransport
	KindTimeout
	KindRejected
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is a kind-classified error.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// New returns a new error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns a new error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, cause: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return is(err, KindTransport) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsRejected reports whether err is a rejection by the drone.
func IsRejected(err error) bool { return is(err, KindRejected) }

// IsCancelled reports whether err is a caller cancellation.
func IsCancelled(err error) bool { return is(err, KindCancelled) }

// HTTPStatus maps an error to the status code returned by the REST surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindTransport:
		return http.StatusBadGateway
	case KindRejected:
		return http.StatusConflict
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
