package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost is the bcrypt cost used by BcryptAuthenticator
const DefaultPasswordCost = 12

// BcryptAuthenticator is the default PasswordAuthenticator
type BcryptAuthenticator struct {
	Cost int
}

var _ PasswordAuthenticator = BcryptAuthenticator{}

// NewBcryptAuthenticator returns a PasswordAuthenticator with cost.
// A cost outside bcrypt limits falls back to DefaultPasswordCost.
func NewBcryptAuthenticator(cost int) BcryptAuthenticator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultPasswordCost
	}
	return BcryptAuthenticator{Cost: cost}
}

// HashPassword will generate a password hash
func (b BcryptAuthenticator) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	cost := b.Cost
	if cost == 0 {
		cost = passwordHashCost()
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func (b BcryptAuthenticator) ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredential
		}
		return err
	}
	return nil
}
