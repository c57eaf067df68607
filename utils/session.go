package utils

import (
	"fmt"

	"courier-service/apperror"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMetadata is the part of a session JWT the service relies on. The
// session itself is issued by the auth service.
type TokenMetadata struct {
	Id  string
	Otp bool
	Exp int64
}

// ExtractTokenMetadata reads the session claims from a token already
// verified by the JWT middleware.
func ExtractTokenMetadata(token *jwt.Token) (*TokenMetadata, error) {
	if token == nil || !token.Valid {
		return nil, fmt.Errorf("session token: %w", apperror.ErrUnauthenticated)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("session claims: %w", apperror.ErrUnauthenticated)
	}

	id, _ := claims["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("session without id: %w", apperror.ErrUnauthenticated)
	}
	otp, _ := claims["otp"].(bool)
	exp, _ := claims["exp"].(float64)

	return &TokenMetadata{
		Id:  id,
		Otp: otp,
		Exp: int64(exp),
	}, nil
}
