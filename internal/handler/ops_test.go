package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"crawlmaster/internal/auth"
)

func newAuthEngine(operatorKey string) (*gin.Engine, auth.JWT) {
	gin.SetMode(gin.TestMode)
	j := auth.JWT{Secret: []byte("test-secret"), TokenTTL: time.Hour}
	engine := gin.New()
	h := &AuthHandler{JWT: j, OperatorKey: operatorKey}
	h.Register(engine)
	return engine, j
}

func postToken(t *testing.T, engine *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestIssueToken_RequiresOperatorKey(t *testing.T) {
	engine, _ := newAuthEngine("super-secret")

	rec := postToken(t, engine, `{"subject":"ops1","role":"admin"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status=%d want 401", rec.Code)
	}

	rec = postToken(t, engine, `{"subject":"ops1","role":"admin","api_key":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status=%d want 401", rec.Code)
	}
}

func TestIssueToken_UnconfiguredRefusesToSign(t *testing.T) {
	engine, _ := newAuthEngine("")

	rec := postToken(t, engine, `{"subject":"ops1","role":"admin","api_key":""}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503 with no key configured", rec.Code)
	}
}

func TestIssueToken_ValidKeySignsRequestedRole(t *testing.T) {
	engine, j := newAuthEngine("super-secret")

	rec := postToken(t, engine, `{"subject":"ops1","role":"client","api_key":"super-secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := j.Verify(resp.Data.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.Role != auth.RoleClient || claims.Subject != "ops1" {
		t.Fatalf("claims = (%s, %s)", claims.Role, claims.Subject)
	}
}

func TestIssueToken_RejectsWorkerRole(t *testing.T) {
	engine, _ := newAuthEngine("super-secret")

	rec := postToken(t, engine, `{"subject":"w1","role":"worker","api_key":"super-secret"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400 for non-peer role", rec.Code)
	}
}
