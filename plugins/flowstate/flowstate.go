// Package flowstate correlates a browser with the redirect flow it has in
// flight.
//
// Starting a flow stores its FlowState under an unguessable state token and
// drops the token in a cookie named after the flow kind. When the browser
// comes back the cookie locates the FlowState again. A browser has at most one
// current flow: beginning one kind clears the other kind's cookie and entry.
//
// Entries expire after a TTL so abandoned flows do not accumulate. The memory
// backend is local to one process; use the cache backend when instances are
// scaled horizontally without sticky routing.
package flowstate

import (
	"context"
	"time"

	"github.com/vlevchine/InGear/errors"
)

// Kind of redirect flow.
type Kind int

const (
	// ACG is the authorization code grant.
	ACG Kind = iota + 1
	// IG is the implicit grant.
	IG
)

func (k Kind) String() string {
	switch k {
	case ACG:
		return "acg"
	case IG:
		return "ig"
	default:
		return "unknown"
	}
}

// CookieName is the cookie correlating a browser with a flow of this kind.
func (k Kind) CookieName() string {
	switch k {
	case ACG:
		return "acgf"
	case IG:
		return "igf"
	default:
		return ""
	}
}

// Other returns the opposite flow kind.
func (k Kind) Other() Kind {
	if k == ACG {
		return IG
	}
	return ACG
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "acg":
		return ACG, nil
	case "ig":
		return IG, nil
	default:
		return 0, errors.Kindf(errors.Validation, "flowstate: unknown flow kind %q", s)
	}
}

// FlowState is what a flow needs to remember between redirects.
type FlowState struct {
	StateToken  string
	Kind        Kind
	Scope       string
	RedirectURI string
	PageURI     string
	CreatedAt   time.Time
}

// Backend stores flow states with a TTL.
type Backend interface {
	Put(ctx context.Context, fs FlowState, ttl time.Duration) error

	// Get returns false if no live entry exists for token.
	Get(ctx context.Context, token string) (FlowState, bool, error)

	Delete(ctx context.Context, token string) error

	Close() error
}
