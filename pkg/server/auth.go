package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for an unknown player or a wrong password.
var ErrBadCredentials = errors.New("invalid credentials")

// Claims holds the JWT claims for an authenticated player.
type Claims struct {
	Player worlddb.PlayerID `json:"player"`
	Name   string           `json:"name"`
	jwt.RegisteredClaims
}

// AuthService issues and checks player tokens.
type AuthService struct {
	players worlddb.PlayerStore
	jwtKey  []byte
	expiry  time.Duration
	now     func() time.Time
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated and tokens do not survive a restart.
func NewAuthService(players worlddb.PlayerStore, jwtSecret string, expiry time.Duration) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &AuthService{
		players: players,
		jwtKey:  key,
		expiry:  expiry,
		now:     time.Now,
	}
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Login checks a player's password and returns a signed token.
func (a *AuthService) Login(ctx context.Context, name, password string) (string, error) {
	p, err := a.players.FindPlayer(ctx, name)
	if errors.Is(err, worlddb.ErrNotFound) {
		return "", ErrBadCredentials
	}
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if len(p.PasswordHash) == 0 {
		return "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(p.PasswordHash, []byte(password)) != nil {
		return "", ErrBadCredentials
	}
	return a.Issue(p)
}

// Issue signs a token for p without checking a password.
func (a *AuthService) Issue(p worlddb.Player) (string, error) {
	now := a.now()
	claims := Claims{
		Player: p.ID,
		Name:   p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "tworld",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a JWT token string.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Player == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// RefreshToken creates a new token with a fresh expiry for an existing valid token.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}

	now := a.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for jwt_secret config.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
