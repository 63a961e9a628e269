// Package auth guards a hosted game with a short shared secret.
//
// The host shows the secret (or a join URL carrying it) to the players.
// Only its bcrypt hash is kept in memory by the Authenticator, and every
// check is a timing-safe hash comparison.
package auth

import (
	"log"
	"net/http"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"
)

// SecretAlphabet omits characters that are easy to misread (0/O, 1/l/I).
const SecretAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// SecretLength is the number of characters in a generated secret.
const SecretLength = 6

// GenerateSecret returns a new random secret.
func GenerateSecret() (string, error) {
	return gonanoid.Generate(SecretAlphabet, SecretLength)
}

// Authenticator checks presented passwords against a game's secret.
// The zero value, like one built from an empty secret, admits everyone.
type Authenticator struct {
	hash []byte
}

// NewAuthenticator hashes secret with the default bcrypt cost.
func NewAuthenticator(secret string) (*Authenticator, error) {
	return NewAuthenticatorWithCost(secret, bcrypt.DefaultCost)
}

// NewAuthenticatorWithCost is NewAuthenticator with an explicit bcrypt cost.
// Tests use bcrypt.MinCost.
func NewAuthenticatorWithCost(secret string, cost int) (*Authenticator, error) {
	if secret == "" {
		return &Authenticator{}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{hash: hash}, nil
}

// Required reports whether connections must present the secret.
func (a *Authenticator) Required() bool {
	return a != nil && len(a.hash) > 0
}

// Verify reports whether password matches the secret.
func (a *Authenticator) Verify(password string) bool {
	if !a.Required() {
		return true
	}
	if password == "" {
		return false
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		log.Printf("auth: rejected password")
		return false
	}
	return true
}

// CredentialFromRequest extracts a password presented at upgrade time,
// either as a "Bearer" Authorization header or a "password" query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("password")
}
