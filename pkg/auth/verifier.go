package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// AccessTokenParam is the query parameter browser streaming clients use when
// they cannot set an Authorization header.
const AccessTokenParam = "access_token"

// Principal is the verified identity behind a bearer credential.
type Principal struct {
	SubjectID       uuid.UUID
	TenantID        uuid.UUID
	IsDeviceSession bool
}

// Verifier turns bearer credentials into principals.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// JWTVerifier verifies HS256 tokens issued by GenerateJWT and GenerateDeviceToken.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the shared signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and requires well-formed subject and tenant ids.
func (v *JWTVerifier) Verify(token string) (Principal, error) {
	claims, err := ValidateJWT(token, v.secret)
	if err != nil {
		return Principal{}, err
	}
	subject, err := uuid.Parse(claims.SubjectID)
	if err != nil || subject == uuid.Nil {
		return Principal{}, ErrInvalidJWT
	}
	tenant, err := uuid.Parse(claims.TenantID)
	if err != nil || tenant == uuid.Nil {
		return Principal{}, ErrInvalidJWT
	}
	return Principal{
		SubjectID:       subject,
		TenantID:        tenant,
		IsDeviceSession: claims.Session == SessionDevice,
	}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(AccessTokenParam))
}
