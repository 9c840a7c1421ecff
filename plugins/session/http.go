package session

import (
	"net/http"
	"strings"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
)

// IDTokenHeader carries the id token when renewing an access token.
const IDTokenHeader = "X-Requested-With"

// BearerToken extracts the access token from the Authorization header. The
// "Bearer" prefix is optional.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(h, " "); ok {
		if !strings.EqualFold(scheme, "bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return h
}

// VerifyMiddleware rejects requests without a verified bearer session and
// attaches the session to the request context otherwise.
func (s *BearerStore) VerifyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Verify(r.Context(), BearerToken(r))
		if err != nil {
			writeGateError(w, r, err)
			return
		}
		serve(next, w, r, sess)
	})
}

// AuthorizeMiddleware is VerifyMiddleware plus a claims check against level.
// Responds 401 for missing or invalid credentials, 412 for expired ones and
// 403 when the claims are insufficient.
func (s *BearerStore) AuthorizeMiddleware(level string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := s.Authorize(r.Context(), BearerToken(r), level)
			if err != nil {
				writeGateError(w, r, err)
				return
			}
			serve(next, w, r, sess)
		})
	}
}

// RenewHandler exchanges the bearer token for a new one. The id token is read
// from IDTokenHeader.
func (s *BearerStore) RenewHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Renew(r.Context(), BearerToken(r), r.Header.Get(IDTokenHeader))
	switch {
	case err == nil:
		ingear.WriteJSON(w, http.StatusOK, creds)
	case errors.Is(err, ErrMissingIDToken):
		ingear.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSubjectMismatch):
		ingear.WriteErrorCode(w, r, http.StatusNotFound, "token_not_found", err)
	default:
		writeGateError(w, r, err)
	}
}

// ExpireHandler invalidates the bearer token.
func (s *BearerStore) ExpireHandler(w http.ResponseWriter, r *http.Request) {
	err := s.Expire(r.Context(), BearerToken(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		ingear.WriteErrorCode(w, r, http.StatusNotFound, "token_not_found", err)
	default:
		writeGateError(w, r, err)
	}
}

func serve(next http.Handler, w http.ResponseWriter, r *http.Request, sess BearerSession) {
	logging.Track(r.Context(), "subject", sess.SubjectID)
	next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
}

func writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientClaims):
		ingear.WriteErrorCode(w, r, http.StatusForbidden, "insufficient_claims", err)
	case errors.Is(err, ErrExpiredToken):
		ingear.WriteErrorCode(w, r, http.StatusPreconditionFailed, "expired_token", err)
	case errors.IsKind(err, errors.Store):
		ingear.WriteErrorCode(w, r, http.StatusInternalServerError, "server_error", err)
	default:
		ingear.WriteErrorCode(w, r, http.StatusUnauthorized, "invalid_token", err)
	}
}
