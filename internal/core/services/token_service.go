package services

import (
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenService issues and checks relay tokens. A token grants one role in
// one session.
type TokenService interface {
	GenerateToken(sessionID domain.SessionID, role domain.SenderRole) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	Authorize(claims *Claims, sessionID domain.SessionID, role domain.SenderRole) error
}

type Claims struct {
	SessionID domain.SessionID  `json:"session_id"`
	Role      domain.SenderRole `json:"role"`
	jwt.RegisteredClaims
}

type tokenService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewTokenService(jwtSecret string, tokenTTL time.Duration) TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (s *tokenService) GenerateToken(sessionID domain.SessionID, role domain.SenderRole) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(role),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.SessionID == "" || !claims.Role.Valid() {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Authorize checks that claims cover sessionID and, when role is set, that
// the holder acts as that role.
func (s *tokenService) Authorize(claims *Claims, sessionID domain.SessionID, role domain.SenderRole) error {
	if claims == nil || claims.SessionID != sessionID {
		return ErrUnauthorized
	}
	if role != "" && claims.Role != role {
		return ErrUnauthorized
	}
	return nil
}
