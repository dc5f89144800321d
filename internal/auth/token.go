package auth

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user as carried in the bearer credential.
// The credential itself comes from the external auth collaborator; this
// package only parses it so the engine knows who "mine" is and what to put
// in the user_join frame.
type Identity struct {
	UserID   int64
	UserName string
	Role     string
}

type CustomClaims struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates the bearer token against the shared HMAC key and
// extracts the session identity.
func ParseToken(tokenString, key string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			errDetail := fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			log.Printf("[AUTH] VALIDATION FAILED: %v", errDetail)
			return nil, errDetail
		}
		return []byte(key), nil
	})
	if err != nil {
		log.Printf("[AUTH] JWT Parse Error: %v", err)
		return nil, err
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		log.Printf("[AUTH] VALIDATION FAILED: Token claims invalid or token not valid")
		return nil, errors.New("invalid token")
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("token missing user_id claim")
	}

	return &Identity{
		UserID:   claims.UserID,
		UserName: claims.UserName,
		Role:     claims.Role,
	}, nil
}
