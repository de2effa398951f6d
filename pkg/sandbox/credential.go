package sandbox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix marks modvault callback credentials.
const TokenPrefix = "mvcb_"

const tokenBytes = 32

// Credential is a run-scoped callback credential. Only Hash is persisted.
type Credential struct {
	Token string
	Hash  string
}

// NewCallbackCredential generates a fresh credential from 32 random bytes.
func NewCallbackCredential() (Credential, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Credential{}, fmt.Errorf("failed to generate callback credential: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return Credential{Token: token, Hash: HashToken(token)}, nil
}

// HashToken returns the hex SHA-256 of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyCallbackCredential compares token against hash in constant time.
func VerifyCallbackCredential(token, hash string) bool {
	if hash == "" || !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
