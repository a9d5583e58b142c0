package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher creates and verifies one-way password hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// SHA256Hasher hashes passwords as base64(SHA-256(password)). This is the
// format stored by the internal directory and written into LDAP userPassword
// attributes for backends without server-side hashing.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(password string) (string, error) {
	sum := sha256.Sum256([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (SHA256Hasher) Verify(password, hash string) bool {
	computed, _ := SHA256Hasher{}.Hash(password)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// BcryptHasher hashes passwords with bcrypt at the given cost.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (h BcryptHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AutoHasher produces hashes with Default and verifies against whichever
// scheme the stored hash was created with. Bcrypt hashes are recognized by
// their "$2" prefix; everything else is treated as base64 SHA-256. This lets
// a directory migrate hash schemes without a bulk rewrite.
type AutoHasher struct {
	Default PasswordHasher
}

// NewAutoHasher returns an AutoHasher defaulting to SHA-256 output.
func NewAutoHasher() *AutoHasher {
	return &AutoHasher{Default: SHA256Hasher{}}
}

func (h *AutoHasher) Hash(password string) (string, error) {
	return h.Default.Hash(password)
}

func (h *AutoHasher) Verify(password, hash string) bool {
	if strings.HasPrefix(hash, "$2") {
		return BcryptHasher{}.Verify(password, hash)
	}
	return SHA256Hasher{}.Verify(password, hash)
}
