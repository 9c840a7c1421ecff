// Package session stores the two kinds of session kept by a relying party.
//
// The subject keyspace holds an RPSession per authenticated subject: the
// claims returned by the authorization server plus the refresh token. It is
// written when an authorization code is exchanged and read by the implicit
// grant and refresh flows.
//
// The token keyspace holds a BearerSession per API access token. Access tokens
// are HS256 JWTs that are only honored while a matching record is cached. The
// record outlives the token's own expiry by the keep-alive factor, so a client
// holding an expired token and its id token can renew without logging in
// again.
//
// Both keyspaces share one storage.Cache. Concurrent writes for the same key
// are last-writer-wins.
package session

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/vlevchine/InGear/errors"
)

var (
	// ErrNotFound is returned when no session is stored for a key.
	ErrNotFound = errors.NewK("session: not found", errors.NotFound).
			WithPublicMessage("Session doesn't exist, it may have been expired or revoked.")

	// ErrInvalidToken is returned for credentials that fail signature checks or
	// cannot be parsed.
	ErrInvalidToken = errors.NewK("invalid_token", errors.Validation).
			WithHTTPStatusCode(401)

	// ErrExpiredToken is returned when a credential's embedded expiry has
	// passed, even if its record is still cached.
	ErrExpiredToken = errors.NewK("expired_token", errors.Expired).
			WithPublicMessage("Request unauthorized (access token expired).")

	// ErrSubjectMismatch is returned when a credential and its stored record
	// name different subjects.
	ErrSubjectMismatch = errors.NewK("session: credential and record subjects differ", errors.Consistency).
				WithPublicMessage("Token doesn't exist, login into the system so it can generate new token.")

	// ErrInsufficientClaims is returned by Authorize when the session's claims
	// do not satisfy the required level.
	ErrInsufficientClaims = errors.NewC("insufficient_claims", codes.PermissionDenied).
				WithPublicMessage("Request unauthorized (insufficient claims).")

	// ErrMissingIDToken is returned by Renew without proof of authentication.
	ErrMissingIDToken = errors.NewK("session: id_token missing when requesting to renew token", errors.Validation)
)

type sessionKey struct{}

// WithSession attaches a verified bearer session to ctx.
func WithSession(ctx context.Context, s BearerSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the bearer session attached by the HTTP gates.
func FromContext(ctx context.Context) (BearerSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(BearerSession)
	return s, ok
}
