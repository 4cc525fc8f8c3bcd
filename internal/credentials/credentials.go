// Package credentials issues and verifies per-agent API keys.
//
// A key is 32 random bytes, hex encoded, handed to the agent once at
// registration. Only its SHA-256 digest is stored.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/agentoven/agentwatch/internal/store"
)

// SecretBytes is the amount of entropy in a generated key.
const SecretBytes = 32

// KeyLookup returns the stored key digest for an agent id.
// Every store.Store satisfies it.
type KeyLookup interface {
	AgentKeyHash(ctx context.Context, id string) (string, error)
}

// Generate returns a fresh secret and the digest to persist for it.
func Generate() (secret, hash string, err error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret = hex.EncodeToString(buf)
	return secret, Hash(secret), nil
}

// Hash returns the hex SHA-256 digest of secret.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// dummyHash is compared against when the id is unknown so both failure
// paths do the same work.
var dummyHash = Hash("agentwatch-unknown-agent")

// Verifier checks presented secrets against stored digests.
type Verifier struct {
	keys KeyLookup
}

func NewVerifier(keys KeyLookup) *Verifier {
	return &Verifier{keys: keys}
}

// Verify reports whether presented is the key issued for id.
// An unknown id and a wrong key both yield (false, nil); an error is
// returned only when the lookup itself fails.
func (v *Verifier) Verify(ctx context.Context, id, presented string) (bool, error) {
	stored, err := v.keys.AgentKeyHash(ctx, id)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return false, fmt.Errorf("lookup key for %s: %w", id, err)
		}
		stored = dummyHash
		presented = ""
	}
	if presented == "" {
		// Still compare so the unknown-id path costs the same.
		subtle.ConstantTimeCompare([]byte(dummyHash), []byte(stored))
		return false, nil
	}
	got := Hash(presented)
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1, nil
}
