// Package dperrors defines the flat error taxonomy returned by every dataplane
// API call. Propagation is always by return value, never by panic.
package dperrors

import "fmt"

// Code is one member of the fixed dataplane error enumeration.
type Code int

const (
	OK Code = iota
	NOMEM
	NO_RESOURCE
	NOMORESTREAMS
	INVALIDARGS
	NOSUCHSTREAM
	NOSUCHTUNER
	NOT_FOUND
	EXISTS
	ALREADY_INITIALIZED
	SHUTDOWN
	BADRTPHDR
	INVALID_APP
	NOPENDINGIRQ
	INTERNAL
	FILTERUNSUPPORTED
	FILTERUPDATEUNSUPPORTED
	FILTERISCOMMITTED
	FILTERNOTSET
	ENCAPSMISMATCH
	OSALREADYCONNECTED
	OSALREADYBOUND
	NACKCAPA
	DUPFILTER
)

var codeNames = map[Code]string{
	OK:                      "OK",
	NOMEM:                   "NOMEM",
	NO_RESOURCE:             "NO_RESOURCE",
	NOMORESTREAMS:           "NOMORESTREAMS",
	INVALIDARGS:             "INVALIDARGS",
	NOSUCHSTREAM:            "NOSUCHSTREAM",
	NOSUCHTUNER:             "NOSUCHTUNER",
	NOT_FOUND:               "NOT_FOUND",
	EXISTS:                  "EXISTS",
	ALREADY_INITIALIZED:     "ALREADY_INITIALIZED",
	SHUTDOWN:                "SHUTDOWN",
	BADRTPHDR:               "BADRTPHDR",
	INVALID_APP:             "INVALID_APP",
	NOPENDINGIRQ:            "NOPENDINGIRQ",
	INTERNAL:                "INTERNAL",
	FILTERUNSUPPORTED:       "FILTERUNSUPPORTED",
	FILTERUPDATEUNSUPPORTED: "FILTERUPDATEUNSUPPORTED",
	FILTERISCOMMITTED:       "FILTERISCOMMITTED",
	FILTERNOTSET:            "FILTERNOTSET",
	ENCAPSMISMATCH:          "ENCAPSMISMATCH",
	OSALREADYCONNECTED:      "OSALREADYCONNECTED",
	OSALREADYBOUND:          "OSALREADYBOUND",
	NACKCAPA:                "NACKCAPA",
	DUPFILTER:               "DUPFILTER",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Error is the concrete error type returned across the dataplane API boundary.
// It carries the fixed Code plus an optional free-form detail message, in the
// same shape as the teacher's sipError: a typed code, a constructor, and
// classification helpers instead of ad-hoc sentinel errors.
type Error struct {
	code   Code
	detail string
}

// New constructs an *Error for code with an optional formatted detail.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, detail: fmt.Sprintf(format, args...)}
}

// Of wraps a bare code with no detail; useful at call sites that just need
// to propagate a classification.
func Of(code Code) *Error {
	return &Error{code: code}
}

func (e *Error) Error() string {
	if e.detail == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

// Code returns the classification of this error.
func (e *Error) Code() Code {
	if e == nil {
		return OK
	}
	return e.code
}

// Is lets errors.Is(err, dperrors.Of(NOT_FOUND)) match regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

// Transient reports whether the call can reasonably be retried without
// changing arguments (resource exhaustion: NOMEM, NO_RESOURCE, NOMORESTREAMS).
func (e *Error) Transient() bool {
	switch e.code {
	case NOMEM, NO_RESOURCE, NOMORESTREAMS:
		return true
	default:
		return false
	}
}

// PacketLevel reports whether this code represents a per-packet drop
// reason rather than a call failure — these are never returned from a
// control-plane API, only counted internally (§7).
func (e *Error) PacketLevel() bool {
	switch e.code {
	case BADRTPHDR, INVALID_APP:
		return true
	default:
		return false
	}
}
