// Package auth gates publish requests behind a shared-secret token checked
// against a bcrypt hash supplied in server configuration. It is deliberately
// narrow: one hash, one token, checked at publish time — nothing resembling
// zenlive's full user/session/JWT stack, since the spec's publish-auth
// surface is a single shared secret rather than per-user accounts.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrMissingToken is returned when a publish request carries no token but a
// Validator is configured.
var ErrMissingToken = errors.New("auth: missing publish token")

// ErrInvalidToken is returned when a supplied token doesn't match the
// configured hash.
var ErrInvalidToken = errors.New("auth: invalid publish token")

// Validator checks a publish-time token against a bcrypt hash.
type Validator struct {
	hash []byte
}

// NewValidator returns a Validator checking tokens against bcryptHash. An
// empty hash means publish-auth is disabled; Validate then accepts any
// token.
func NewValidator(bcryptHash string) (*Validator, error) {
	if bcryptHash == "" {
		return &Validator{}, nil
	}
	if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
		return nil, fmt.Errorf("auth: invalid bcrypt hash: %w", err)
	}
	return &Validator{hash: []byte(bcryptHash)}, nil
}

// Enabled reports whether this Validator enforces a token.
func (v *Validator) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

// HashToken bcrypt-hashes a plaintext token for storage in server config.
// Exposed for operators generating a -publish-auth-hash value.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(hash), nil
}

// ExtractToken splits a publish stream key of the form "key?token=secret"
// into the bare key and the token, matching OBS/ffmpeg's convention of
// folding the token into the stream-key field rather than a distinct RTMP
// command argument.
func ExtractToken(streamKey string) (key, token string) {
	i := strings.IndexByte(streamKey, '?')
	if i < 0 {
		return streamKey, ""
	}
	key = streamKey[:i]
	values, err := url.ParseQuery(streamKey[i+1:])
	if err != nil {
		return key, ""
	}
	return key, values.Get("token")
}

// Validate checks token against the configured hash. Disabled validators
// accept any token, including an empty one.
func (v *Validator) Validate(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}
