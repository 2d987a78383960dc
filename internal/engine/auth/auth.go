// Package auth holds credential primitives: password hashing and the signed
// session tokens carried in the session cookie.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is lowered by tests.
var BcryptCost = bcrypt.DefaultCost

var ErrInvalidToken = errors.New("invalid session token")

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Tokens signs and verifies HS256 session tokens naming a user and a
// server-side session row.
type Tokens struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue returns a signed token and its expiry.
func (t Tokens) Issue(userID int64, sessionID string) (string, time.Time, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", time.Time{}, errors.New("session secret not configured")
	}
	now := t.now()
	exp := now.Add(t.TTL).Truncate(time.Second)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns the user and session it names.
func (t Tokens) Parse(token string) (int64, string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return 0, "", errors.New("session secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return 0, "", ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.SessionID == "" {
		return 0, "", ErrInvalidToken
	}
	return userID, claims.SessionID, nil
}
