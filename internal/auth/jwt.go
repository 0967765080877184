// Package auth verifies operator tokens. Identity is issued elsewhere; this
// service only checks signatures and reads claims.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in tokens.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RolePartner    = "partner"
)

const tokenTTL = 15 * time.Minute

type Claims struct {
	UserID    uuid.UUID  `json:"user_id"`
	OrgID     uuid.UUID  `json:"org_id"`
	Role      string     `json:"role"`
	PartnerID *uuid.UUID `json:"partner_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a short-lived token. It is used by the seed command
// and tests; production tokens come from the identity provider.
func GenerateToken(secret string, userID, orgID uuid.UUID, role string, partnerID *uuid.UUID) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		OrgID:     orgID,
		Role:      role,
		PartnerID: partnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role == RolePartner && claims.PartnerID == nil {
		return nil, fmt.Errorf("partner token without partner_id")
	}
	return claims, nil
}
