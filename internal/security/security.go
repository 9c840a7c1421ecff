// Package security holds the small cryptographic helpers shared by the flow
// and registration plugins.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"

	"github.com/vlevchine/InGear/errors"
)

// HMAC returns the hex encoded HMAC-SHA256 of message keyed by key.
func HMAC(message, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMAC reports whether mac is the HMAC of message keyed by key. The
// comparison is constant time.
func VerifyHMAC(message, key, mac string) bool {
	actual, err := hex.DecodeString(mac)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(message))
	return hmac.Equal(actual, h.Sum(nil))
}

// RandomString returns n random bytes in unpadded URL-safe base64.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Errorf("security: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodeSubject obfuscates a subject id for use in cookies and scopes.
func EncodeSubject(subject string) string {
	return base64.StdEncoding.EncodeToString([]byte(subject))
}

// DecodeSubject reverses EncodeSubject.
func DecodeSubject(encoded string) (string, error) {
	if encoded == "" {
		return "", errors.NewK("security: empty subject", errors.Validation)
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.WrapPrefix(err, "security: subject is not base64", 0).WithKind(errors.Validation)
	}
	return string(b), nil
}

// BasicAuth returns an Authorization header value authenticating a client per
// RFC 6749 section 2.3.1. It matches what golang.org/x/oauth2 sends.
func BasicAuth(clientID, clientSecret string) string {
	creds := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
