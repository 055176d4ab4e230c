package routes

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/ecoreceipt/config"
	"github.com/cppla/ecoreceipt/internal/testdb"
	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	config.Set(config.AppConfig{
		JWTSecret: "router-secret",
		GinMode:   "test",
		GinPath:   filepath.Join(t.TempDir(), "gin.log"),
	})
	utils.SetRedis(nil)

	db := testdb.Open(t)
	st := store.New(db, store.WithLocation(time.UTC))
	reg := prometheus.NewRegistry()
	return SetupRouter(Dependencies{
		DB:         db,
		Store:      st,
		Engine:     gamification.NewEngine(db, gamification.Config{Location: time.UTC}, nil),
		Registerer: reg,
		Gatherer:   reg,
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ecoreceipt_http_requests_total"))
}

func TestAPIRequiresToken(t *testing.T) {
	r := newTestRouter(t)
	for _, path := range []string{"/api/v1/receipts", "/api/v1/dashboard/summary", "/api/v1/gamification/profile"} {
		w := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAuthenticatedCallerIsProvisioned(t *testing.T) {
	r := newTestRouter(t)
	tok, err := utils.GenerateToken("auth0|mae", "mae", "mae@example.com", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gamification/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"username":"mae"`)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestUnknownRoute(t *testing.T) {
	r := newTestRouter(t)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
