// Package auth implements the shared-secret challenge used when a peer
// connects: the coordinator sends a random salt and the peer answers with
// base64(sha256(secret + salt)).
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrDenied is returned when a peer fails the challenge.
var ErrDenied = errors.New("authentication failed")

// NewSalt returns a fresh random challenge.
func NewSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Digest answers a challenge.
func Digest(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify reports whether digest answers salt for secret.
func Verify(secret, salt, digest string) error {
	want := Digest(secret, salt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(digest)) != 1 {
		return ErrDenied
	}
	return nil
}
