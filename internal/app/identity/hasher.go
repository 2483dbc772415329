package identity

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher turns passwords into storable hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

const DefaultBcryptCost = 10

type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using the given cost. Costs outside the range supported by bcrypt are clamped.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword(preparePassword(password), h.cost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

func (h *BcryptHasher) Verify(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), preparePassword(password)) == nil
}

// preparePassword pre-hashes passwords longer than the 72 bytes bcrypt accepts.
func preparePassword(password string) []byte {
	passwordBytes := []byte(password)
	if len(passwordBytes) <= 72 {
		return passwordBytes
	}
	sum := sha256.Sum256(passwordBytes)
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
