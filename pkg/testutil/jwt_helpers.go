package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"devicemanager/pkg/auth"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// Verifier returns a verifier bound to the helper's secret.
func (h *JWTTestHelper) Verifier() *auth.JWTVerifier {
	return auth.NewJWTVerifier(h.Secret)
}

// OperatorToken generates a valid operator token.
func (h *JWTTestHelper) OperatorToken(subjectID, tenantID uuid.UUID) string {
	token, err := auth.GenerateJWT(subjectID.String(), tenantID.String(), "operator@example.com", "admin", h.Secret)
	if err != nil {
		panic(err)
	}
	return token
}

// DeviceToken generates a valid device token.
func (h *JWTTestHelper) DeviceToken(deviceID, tenantID uuid.UUID) string {
	token, err := auth.GenerateDeviceToken(deviceID, tenantID, time.Hour, h.Secret)
	if err != nil {
		panic(err)
	}
	return token
}

// ExpiredToken generates a device token that expired an hour ago.
func (h *JWTTestHelper) ExpiredToken(deviceID, tenantID uuid.UUID) string {
	claims := &auth.Claims{
		SubjectID: deviceID.String(),
		TenantID:  tenantID.String(),
		Session:   auth.SessionDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.Secret)
	if err != nil {
		panic(err)
	}
	return token
}

// WrongSecretToken generates an operator token signed with another secret.
func (h *JWTTestHelper) WrongSecretToken(subjectID, tenantID uuid.UUID) string {
	token, err := auth.GenerateJWT(subjectID.String(), tenantID.String(), "", "", []byte("wrong-secret"))
	if err != nil {
		panic(err)
	}
	return token
}

// NoneAlgorithmToken generates an unsigned token that must always be rejected.
func (h *JWTTestHelper) NoneAlgorithmToken(subjectID, tenantID uuid.UUID) string {
	claims := &auth.Claims{
		SubjectID: subjectID.String(),
		TenantID:  tenantID.String(),
		Session:   auth.SessionDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic(err)
	}
	return token
}
