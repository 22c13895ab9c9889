// Package auth implements the salted-hash request authentication shared
// between leader and follower nodes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const saltSize = 16

// ErrMalformedHeader is returned by Verify when the header does not match
// the "salt:hexhash" shape.
var ErrMalformedHeader = errors.New("auth: malformed X-Auth header")

// Generate produces the "salt:hexhash" value for the X-Auth header: a
// random salt and hash = SHA-256(salt || payload || token).
func Generate(payload []byte, token string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := sum(salt, payload, token)
	return fmt.Sprintf("%s:%s", hex.EncodeToString(salt), hex.EncodeToString(sum)), nil
}

// Verify recomputes the hash from payload and token using the salt carried
// in header and compares in constant time. The salt is scoped to a single
// request; there is no nonce store or replay protection beyond that.
func Verify(header string, payload []byte, token string) bool {
	saltHex, hashHex, ok := splitHeader(header)
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := sum(salt, payload, token)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitHeader(header string) (salt, hash string, ok bool) {
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func sum(salt, payload []byte, token string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(payload)
	h.Write([]byte(token))
	return h.Sum(nil)
}

// HeaderName is the HTTP header inter-node requests carry the credential in.
const HeaderName = "X-Auth"
