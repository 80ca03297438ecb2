package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidJWT      = errors.New("invalid JWT token")
	ErrExpiredJWT      = errors.New("JWT token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// Session kinds carried in the "session" claim.
const (
	SessionOperator = "operator"
	SessionDevice   = "device"
)

// OperatorTokenTTL is the lifetime of interactive operator tokens.
const OperatorTokenTTL = 15 * time.Minute

// Claims represents JWT claims with tenant context
type Claims struct {
	SubjectID string `json:"subject_id"`
	TenantID  string `json:"tenant_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	Session   string `json:"session"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a short-lived operator token.
func GenerateJWT(subjectID, tenantID, email, role string, secret []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		SubjectID: subjectID,
		TenantID:  tenantID,
		Email:     email,
		Role:      role,
		Session:   SessionOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(OperatorTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return sign(claims, secret)
}

// GenerateDeviceToken mints the long-lived credential a paired device connects with.
func GenerateDeviceToken(deviceID, tenantID uuid.UUID, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		SubjectID: deviceID.String(),
		TenantID:  tenantID.String(),
		Session:   SessionDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return sign(claims, secret)
}

func sign(claims *Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT validates a JWT token and returns its claims
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidJWT
}
