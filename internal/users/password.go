package users

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/buildingops/buildingops/internal/shared"
)

// DefaultCost is the bcrypt work factor used when none is configured.
const DefaultCost = bcrypt.DefaultCost

// MaxPasswordBytes is the bcrypt input limit. It counts bytes, not characters.
const MaxPasswordBytes = 72

// HashPassword derives a salted bcrypt hash of plain at the given cost. Passwords
// over MaxPasswordBytes fail with shared.ErrValidation.
func HashPassword(plain string, cost int) (string, error) {
	if len(plain) > MaxPasswordBytes {
		return "", fmt.Errorf("users: password longer than %d bytes: %w", MaxPasswordBytes, shared.ErrValidation)
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("users: hash password: %w", shared.ErrValidation)
	}
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether plain matches hash. The comparison is constant time.
func VerifyPassword(plain, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
