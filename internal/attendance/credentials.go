package attendance

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"attendcode/internal/apperrors"
)

// HashPassword returns the bcrypt hash stored on a roster entry.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// checkPassword reports apperrors.ErrInvalidCredentials unless password
// matches s's hash. A student without a hash cannot mark attendance.
func checkPassword(s *Student, password string) error {
	if s.PasswordHash == "" || password == "" {
		return apperrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err != nil {
		return apperrors.ErrInvalidCredentials
	}
	return nil
}
