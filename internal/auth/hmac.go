package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const hmacIssuer = "videoforge-api"

// HMACClaims are the claims carried by locally signed HS256 tokens, used
// in development and by the e2e tests.
type HMACClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateHMACToken verifies an HS256 token signed with the shared secret.
func ValidateHMACToken(tokenString, secret string) (*HMACClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HMACClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*HMACClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// SignHMACToken issues an HS256 token for the given identity.
func SignHMACToken(userID, email, secret string, ttl time.Duration) (string, error) {
	claims := HMACClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    hmacIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
