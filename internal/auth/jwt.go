package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleTeacher is the only role allowed on the teacher routes.
const RoleTeacher = "teacher"

// Teacher identifies the holder of a teacher token. ClassID is the class
// the teacher's requests default to.
type Teacher struct {
	ID         string
	Name       string
	ClassID    string
	Department string
}

// Claims represents the teacher token payload.
type Claims struct {
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	ClassID    string `json:"classId,omitempty"`
	Department string `json:"department,omitempty"`
	jwt.RegisteredClaims
}

// IssueTeacher signs a bearer token for a teacher.
func IssueTeacher(t Teacher, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, errors.New("signing key required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role:       RoleTeacher,
		Name:       t.Name,
		ClassID:    t.ClassID,
		Department: t.Department,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   t.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a teacher token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, keyFunc(key))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Role != RoleTeacher {
		return Claims{}, errors.New("teacher role required")
	}
	return *claims, nil
}

func keyFunc(key string) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	}
}
