package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"dm-go/internal/config"

	apperrors "dm-go/pkg/errors"
)

// Claims are the custom JWT claims shared with the external auth service that
// issues tokens. The messaging core only ever verifies them.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for userID. Production tokens come from the
// external auth collaborator; this exists for local runs and tests, signed
// with the same shared key.
func GenerateToken(userID string, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating JWT ID: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jwtID.String(),
			Issuer:    "dm-go-server",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return tokenString, nil
}

// VerifyToken is the auth collaborator boundary: token in, user identity out.
// Invalid signature, expiry, or a blacklisted JTI all surface as
// CodeAuthFailed. blacklist may be nil when revocation checks are not wired
// (tests, single-process runs).
func VerifyToken(ctx context.Context, tokenString, jwtKey string, blacklist TokenBlacklist) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthFailed, "token verification failed", err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", apperrors.ErrAuthFailed
	}

	if blacklist != nil {
		if claims.ID == "" {
			return "", apperrors.New(apperrors.CodeAuthFailed, "token carries no JTI, cannot check revocation")
		}
		revoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// Failing open would accept revoked tokens; reject instead.
			return "", apperrors.Wrap(apperrors.CodeAuthFailed, "revocation check failed", err)
		}
		if revoked {
			return "", apperrors.New(apperrors.CodeAuthFailed, "token has been revoked")
		}
	}

	return claims.UserID, nil
}
