package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/storage"
)

const (
	claimPrefix       = "c:"
	fieldRefreshToken = "refresh_token"
	fieldExpiresAt    = "expires_at"
)

// RPSession is what the relying party knows about an authenticated subject.
type RPSession struct {
	// Claims decoded from the id token issued by the authorization server.
	Claims map[string]any

	RefreshToken string

	// ExpiresAt is when the authorization server's grant lapses. Zero if
	// unknown.
	ExpiresAt time.Time
}

// NewSubjectStore returns the subject keyspace. Keys are prefixed with the
// client id so several applications can share one cache.
func NewSubjectStore(cache storage.Cache, clientID string) *SubjectStore {
	return &SubjectStore{cache: cache, prefix: clientID}
}

// SubjectStore keeps one RPSession per subject.
type SubjectStore struct {
	cache  storage.Cache
	prefix string
}

// Key returns the cache key for subject.
func (s *SubjectStore) Key(subject string) string {
	return s.prefix + ":" + strings.Replace(subject, "@", ":", 1)
}

// Save replaces the session for subject. The record and its TTL are written
// as a pair; if either step is not confirmed the save has failed and no
// record is left behind.
func (s *SubjectStore) Save(ctx context.Context, subject string, sess RPSession, ttl time.Duration) error {
	if subject == "" {
		return errors.NewK("session: subject is required", errors.Validation)
	}
	if ttl <= 0 {
		return errors.Kindf(errors.Validation, "session: ttl must be positive, got %v", ttl)
	}
	fields, err := encodeRPSession(sess)
	if err != nil {
		return err
	}

	key := s.Key(subject)
	if err := storage.Save(ctx, s.cache, key, fields, ttl); err != nil {
		logging.Errorw(ctx, "session: failed to save session", "error", err, "key", key)
		return errors.WrapPrefix(err, "session: failed to save session", 0).WithKind(errors.Store)
	}
	return nil
}

// Retrieve returns the session for subject, or ErrNotFound.
func (s *SubjectStore) Retrieve(ctx context.Context, subject string) (RPSession, error) {
	fields, err := s.cache.Get(ctx, s.Key(subject))
	if errors.Is(err, storage.ErrNotFound) {
		return RPSession{}, errors.Mark(ErrNotFound, 0)
	}
	if err != nil {
		return RPSession{}, err
	}
	return decodeRPSession(fields)
}

// Exists reports whether subject has a live session.
func (s *SubjectStore) Exists(ctx context.Context, subject string) (bool, error) {
	return s.cache.Exists(ctx, s.Key(subject))
}

// Delete removes the session for subject. Returns ErrNotFound if there was
// none.
func (s *SubjectStore) Delete(ctx context.Context, subject string) error {
	existed, err := s.cache.Delete(ctx, s.Key(subject))
	if err != nil {
		return err
	}
	if !existed {
		return errors.Mark(ErrNotFound, 0)
	}
	return nil
}

func encodeRPSession(sess RPSession) (map[string]string, error) {
	fields := make(map[string]string, len(sess.Claims)+2)
	for name, v := range sess.Claims {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WrapPrefix(err, "session: claim "+name+" is not encodable", 0).WithKind(errors.Validation)
		}
		fields[claimPrefix+name] = string(b)
	}
	fields[fieldRefreshToken] = sess.RefreshToken
	if !sess.ExpiresAt.IsZero() {
		fields[fieldExpiresAt] = sess.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

func decodeRPSession(fields map[string]string) (RPSession, error) {
	sess := RPSession{Claims: map[string]any{}}
	for k, v := range fields {
		switch {
		case k == fieldRefreshToken:
			sess.RefreshToken = v
		case k == fieldExpiresAt:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return RPSession{}, errors.WrapPrefix(err, "session: corrupt expires_at", 0).WithKind(errors.Store)
			}
			sess.ExpiresAt = t
		case strings.HasPrefix(k, claimPrefix):
			var claim any
			if err := json.Unmarshal([]byte(v), &claim); err != nil {
				return RPSession{}, errors.WrapPrefix(err, "session: corrupt claim "+k, 0).WithKind(errors.Store)
			}
			sess.Claims[strings.TrimPrefix(k, claimPrefix)] = claim
		}
	}
	return sess, nil
}
