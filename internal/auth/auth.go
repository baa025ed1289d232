// Package auth guards the control plane. The deployment model is a single
// operator credential: a username plus a bcrypt hash configured at process
// level, exchanged for a short-lived HS256 bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer   = "quantra"
	audience = "quantra-control"

	// DefaultBcryptCost matches what HashPassword uses for new hashes.
	DefaultBcryptCost = 12
)

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
)

// Claims is the token payload. Operator is the login name the token was
// issued to.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Manager issues and verifies operator tokens.
type Manager struct {
	secret       []byte
	expiry       time.Duration
	operatorUser string
	operatorHash string
}

// NewManager builds a token manager. operatorHash is a bcrypt hash of the
// operator password; see HashPassword.
func NewManager(secret string, expiry time.Duration, operatorUser, operatorHash string) *Manager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{
		secret:       []byte(secret),
		expiry:       expiry,
		operatorUser: operatorUser,
		operatorHash: operatorHash,
	}
}

// Login checks the operator credential and returns a bearer token.
func (m *Manager) Login(username, password string) (*Token, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.operatorUser)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(m.operatorHash), []byte(password))
	if !userOK || passErr != nil {
		return nil, ErrBadCredentials
	}

	signed, err := m.issue(username)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(m.expiry.Seconds()),
	}, nil
}

func (m *Manager) issue(operator string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    issuer,
			Audience:  []string{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token string and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword produces a bcrypt hash suitable for the operator_pass_hash
// config field.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(bytes), nil
}
