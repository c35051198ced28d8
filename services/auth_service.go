package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"cityflow/forecaster/config"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService issues operator tokens for the training and cache endpoints.
type AuthService struct {
	jwtSecret    []byte
	expiryH      int
	operatorUser string
	operatorHash string
}

func NewAuthService(cfg config.AuthConfig) *AuthService {
	return &AuthService{
		jwtSecret:    []byte(cfg.JWTSecret),
		expiryH:      cfg.ExpiryHours,
		operatorUser: cfg.OperatorUser,
		operatorHash: cfg.OperatorHash,
	}
}

// Enabled reports whether tokens can be issued and checked.
func (s *AuthService) Enabled() bool {
	return len(s.jwtSecret) > 0
}

func (s *AuthService) HashPassword(plain string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *AuthService) CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

type Claims struct {
	User string `json:"user"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Login checks operator credentials and returns a signed token.
func (s *AuthService) Login(user, password string) (string, error) {
	if !s.Enabled() || s.operatorHash == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.operatorUser)) != 1 {
		return "", ErrInvalidCredentials
	}
	if !s.CheckPassword(s.operatorHash, password) {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken(user, "operator")
}

func (s *AuthService) GenerateToken(user, role string) (string, error) {
	claims := Claims{
		User: user,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(
				time.Duration(s.expiryH) * time.Hour,
			)),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
