package errors

import (
	"google.golang.org/grpc/codes"
)

// Kind classifies an error so callers can decide how to handle it without
// inspecting concrete types.
type Kind int

const (
	// Unknown is the zero Kind, used for errors that were never classified.
	Unknown Kind = iota

	// Validation means request input was missing or malformed.
	Validation

	// CSRF means a state or challenge value did not match.
	CSRF

	// Upstream means the authorization server was unreachable or replied with
	// an error.
	Upstream

	// Store means the session cache was unavailable or a write was not
	// confirmed.
	Store

	// Consistency means a signed credential and its stored record disagree
	// about the subject.
	Consistency

	// Expired means a claim or record is past its validity.
	Expired

	// NotFound means there is no record for a key.
	NotFound
)

var kindNames = map[Kind]string{
	Unknown:     "unknown",
	Validation:  "validation",
	CSRF:        "csrf",
	Upstream:    "upstream",
	Store:       "store",
	Consistency: "consistency",
	Expired:     "expired",
	NotFound:    "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Code returns the default gRPC code for errors of this kind.
func (k Kind) Code() codes.Code {
	switch k {
	case Validation:
		return codes.InvalidArgument
	case CSRF:
		return codes.PermissionDenied
	case Upstream:
		return codes.Unavailable
	case Store:
		return codes.Internal
	case Consistency:
		return codes.Unauthenticated
	case Expired:
		return codes.FailedPrecondition
	case NotFound:
		return codes.NotFound
	default:
		return codes.Unknown
	}
}

// KindOf returns the kind of the first classified *Error in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok && e.kind != Unknown {
			return e.kind
		}
		err = Unwrap(err)
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
