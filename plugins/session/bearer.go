package session

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/storage"
)

// Record fields managed by the store. Everything else is caller payload.
const (
	fieldSubject  = "sub"
	fieldIssuedAt = "token_iat"
	fieldExpires  = "token_exp"
	fieldIDToken  = "id_token"
)

const (
	defaultValidity        = 15 * time.Minute
	defaultKeepAliveFactor = 4
)

// Credentials are returned to API clients. The id token proves the original
// authentication when renewing the access token.
type Credentials struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
}

// BearerSession is the record cached for an access token.
type BearerSession struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	IDToken   string

	// Fields carried forward across renewals.
	Fields map[string]string
}

// ClaimsChecker decides whether a session satisfies an access level.
type ClaimsChecker func(ctx context.Context, s BearerSession, level string) bool

// AllowAll is the default ClaimsChecker. It accepts every verified session.
func AllowAll(context.Context, BearerSession, string) bool {
	return true
}

// BearerOption configures a BearerStore.
type BearerOption func(*BearerStore)

// WithValidity sets how long an access token is valid.
func WithValidity(d time.Duration) BearerOption {
	return func(s *BearerStore) {
		s.valid = d
	}
}

// WithKeepAliveFactor sets how many validity periods a record stays cached.
func WithKeepAliveFactor(n int) BearerOption {
	return func(s *BearerStore) {
		s.keepAliveFactor = n
	}
}

// WithClaimsChecker replaces AllowAll.
func WithClaimsChecker(c ClaimsChecker) BearerOption {
	return func(s *BearerStore) {
		s.checker = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BearerOption {
	return func(s *BearerStore) {
		s.now = now
	}
}

// NewBearerStore returns the token keyspace. Tokens are signed with secret.
func NewBearerStore(cache storage.Cache, secret []byte, opts ...BearerOption) *BearerStore {
	s := &BearerStore{
		cache:           cache,
		secret:          secret,
		valid:           defaultValidity,
		keepAliveFactor: defaultKeepAliveFactor,
		checker:         AllowAll,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BearerStore issues and verifies cache-backed access tokens.
type BearerStore struct {
	cache           storage.Cache
	secret          []byte
	valid           time.Duration
	keepAliveFactor int
	checker         ClaimsChecker
	now             func() time.Time
}

// KeepAlive is the cache TTL of each record.
func (s *BearerStore) KeepAlive() time.Duration {
	return time.Duration(s.keepAliveFactor) * s.valid
}

// CreateSession mints credentials for subjectID and caches fields under the
// access token.
func (s *BearerStore) CreateSession(ctx context.Context, subjectID string, fields map[string]string) (Credentials, error) {
	if subjectID == "" {
		return Credentials{}, errors.NewK("session: insufficient data, subject is required", errors.Validation)
	}
	return s.create(ctx, subjectID, fields, "")
}

func (s *BearerStore) create(ctx context.Context, subjectID string, fields map[string]string, idToken string) (Credentials, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subjectID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.valid)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Credentials{}, errors.Wrap(err, 0)
	}

	if idToken == "" {
		idClaims := jwt.MapClaims{}
		for k, v := range fields {
			idClaims[k] = v
		}
		idClaims["sub"] = subjectID
		idClaims["iat"] = claims.IssuedAt
		idToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, idClaims).SignedString(s.secret)
		if err != nil {
			return Credentials{}, errors.Wrap(err, 0)
		}
	}

	record := maps.Clone(fields)
	if record == nil {
		record = map[string]string{}
	}
	record[fieldSubject] = subjectID
	record[fieldIssuedAt] = strconv.FormatInt(claims.IssuedAt.Unix(), 10)
	record[fieldExpires] = strconv.FormatInt(claims.ExpiresAt.Unix(), 10)
	record[fieldIDToken] = idToken

	if err := storage.Save(ctx, s.cache, access, record, s.KeepAlive()); err != nil {
		return Credentials{}, errors.WrapPrefix(err, "session: failed to write token", 0).WithKind(errors.Store)
	}
	logging.Debugw(ctx, "session: bearer session created", "subject", subjectID, "jti", claims.ID)
	return Credentials{AccessToken: access, IDToken: idToken}, nil
}

// Retrieve reads the record cached under token. The token itself is not
// checked; use Verify for that.
func (s *BearerStore) Retrieve(ctx context.Context, token string) (BearerSession, error) {
	if token == "" {
		return BearerSession{}, errors.Mark(ErrInvalidToken, 0)
	}
	fields, err := s.cache.Get(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return BearerSession{}, errors.Mark(ErrNotFound, 0)
	}
	if err != nil {
		return BearerSession{}, err
	}
	return decodeBearerSession(fields)
}

// Verify checks, in order, the token's signature, that its record is cached,
// that both name the same subject and that the token has not expired.
func (s *BearerStore) Verify(ctx context.Context, token string) (BearerSession, error) {
	claims, err := s.parse(token)
	if err != nil {
		return BearerSession{}, err
	}
	sess, err := s.consistentRecord(ctx, token, claims)
	if err != nil {
		return BearerSession{}, err
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(s.now()) {
		return BearerSession{}, errors.Mark(ErrExpiredToken, 0)
	}
	return sess, nil
}

// Renew exchanges a cached access token, expired or not, for a new one. The
// caller must present the id token issued with the original session. The old
// token stops working immediately.
func (s *BearerStore) Renew(ctx context.Context, token, idToken string) (Credentials, error) {
	if idToken == "" {
		return Credentials{}, errors.Mark(ErrMissingIDToken, 0)
	}
	claims, err := s.parse(token)
	if err != nil {
		return Credentials{}, err
	}
	sess, err := s.consistentRecord(ctx, token, claims)
	if err != nil {
		return Credentials{}, err
	}
	if err := s.checkIDToken(idToken, sess); err != nil {
		return Credentials{}, err
	}

	// Only the renewal that removes the record may mint new credentials.
	existed, err := s.cache.Delete(ctx, token)
	if err != nil {
		return Credentials{}, err
	}
	if !existed {
		return Credentials{}, errors.Mark(ErrNotFound, 0)
	}
	creds, err := s.create(ctx, sess.SubjectID, sess.Fields, sess.IDToken)
	if err != nil {
		return Credentials{}, err
	}
	logging.Infow(ctx, "session: bearer session renewed", "subject", sess.SubjectID)
	return creds, nil
}

// Expire invalidates token immediately.
func (s *BearerStore) Expire(ctx context.Context, token string) error {
	if token == "" {
		return errors.Mark(ErrInvalidToken, 0)
	}
	existed, err := s.cache.Delete(ctx, token)
	if err != nil {
		return err
	}
	if !existed {
		return errors.Mark(ErrNotFound, 0)
	}
	return nil
}

// Authorize verifies token and checks its session against level.
func (s *BearerStore) Authorize(ctx context.Context, token, level string) (BearerSession, error) {
	sess, err := s.Verify(ctx, token)
	if err != nil {
		return BearerSession{}, err
	}
	if !s.checker(ctx, sess, level) {
		return BearerSession{}, errors.Mark(ErrInsufficientClaims, 0)
	}
	return sess, nil
}

// parse checks the signature only. Expiry is checked separately so that an
// expired token can still be told apart from a forged one.
func (s *BearerStore) parse(token string) (*jwt.RegisteredClaims, error) {
	if token == "" {
		return nil, errors.Mark(ErrInvalidToken, 0)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, errors.WrapPrefix(ErrInvalidToken, err.Error(), 0)
	}
	return claims, nil
}

func (s *BearerStore) consistentRecord(ctx context.Context, token string, claims *jwt.RegisteredClaims) (BearerSession, error) {
	sess, err := s.Retrieve(ctx, token)
	if err != nil {
		return BearerSession{}, err
	}
	if sess.SubjectID != claims.Subject {
		logging.Warnw(ctx, "session: token and record subjects differ",
			"token.sub", claims.Subject, "record.sub", sess.SubjectID)
		return BearerSession{}, errors.Mark(ErrSubjectMismatch, 0)
	}
	return sess, nil
}

func (s *BearerStore) checkIDToken(idToken string, sess BearerSession) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return errors.WrapPrefix(ErrInvalidToken, "id_token: "+err.Error(), 0)
	}
	if sub, _ := claims.GetSubject(); sub != sess.SubjectID {
		return errors.Mark(ErrSubjectMismatch, 0)
	}
	return nil
}

func (s *BearerStore) keyFunc(*jwt.Token) (any, error) {
	return s.secret, nil
}

func decodeBearerSession(fields map[string]string) (BearerSession, error) {
	sess := BearerSession{Fields: map[string]string{}}
	for k, v := range fields {
		switch k {
		case fieldSubject:
			sess.SubjectID = v
		case fieldIDToken:
			sess.IDToken = v
		case fieldIssuedAt, fieldExpires:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return BearerSession{}, errors.WrapPrefix(err, "session: corrupt "+k, 0).WithKind(errors.Store)
			}
			if k == fieldIssuedAt {
				sess.IssuedAt = time.Unix(n, 0)
			} else {
				sess.ExpiresAt = time.Unix(n, 0)
			}
		default:
			sess.Fields[k] = v
		}
	}
	return sess, nil
}
