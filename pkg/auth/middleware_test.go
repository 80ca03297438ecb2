package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"devicemanager/pkg/ctxkeys"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuthMiddleware(NewJWTVerifier(testSecret)))
	r.GET("/whoami", func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, c.GetString(string(ctxkeys.KeyTenantID))+"|"+p.SubjectID.String())
	})
	r.GET("/operator", RequireOperator(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestJWTAuthMiddleware(t *testing.T) {
	r := newAuthRouter()
	subject, tenant := uuid.New(), uuid.New()
	token, _ := GenerateJWT(subject.String(), tenant.String(), "", "", testSecret)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := tenant.String() + "|" + subject.String(); w.Body.String() != want {
		t.Fatalf("expected %q, got %q", want, w.Body.String())
	}
}

func TestJWTAuthMiddlewareRejectsMissingToken(t *testing.T) {
	r := newAuthRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuthMiddlewarePassesWebsocketUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuthMiddleware(NewJWTVerifier(testSecret)))
	r.GET("/hubs/device", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hubs/device", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected upgrade request to reach handler, got %d", w.Code)
	}
}

func TestRequireOperator(t *testing.T) {
	r := newAuthRouter()
	device, _ := GenerateDeviceToken(uuid.New(), uuid.New(), time.Hour, testSecret)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/operator", nil)
	req.Header.Set("Authorization", "Bearer "+device)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for device session, got %d", w.Code)
	}
}
