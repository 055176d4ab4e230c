package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/ecoreceipt/config"
	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

type fakeUsers struct {
	seen map[string]store.Profile
	err  error
}

func (f *fakeUsers) EnsureUser(_ context.Context, externalID string, p store.Profile) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.seen[externalID] = p
	return &models.User{ID: 7, ExternalID: externalID}, nil
}

func setup(t *testing.T) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.Set(config.AppConfig{JWTSecret: "test-secret"})
	utils.SetRedis(nil)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) utils.JSONResponse {
	t.Helper()
	var body utils.JSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func authRouter(users UserResolver) *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthRequired(users), func(c *gin.Context) {
		id, _ := UserID(c)
		utils.Success(c, gin.H{"id": id, "sub": c.GetString(ContextExternalIDKey)})
	})
	return r
}

func TestAuthRequiredResolvesUser(t *testing.T) {
	setup(t)
	users := &fakeUsers{seen: map[string]store.Profile{}}
	tok, err := utils.GenerateToken("auth0|ada", "<b>ada</b>", "ada@example.com", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	authRouter(users).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.True(t, body.Success)
	data := body.Data.(map[string]any)
	assert.EqualValues(t, 7, data["id"])
	assert.Equal(t, "auth0|ada", data["sub"])
	assert.Equal(t, "ada", users.seen["auth0|ada"].Username)
}

func TestAuthRequiredRejects(t *testing.T) {
	setup(t)
	users := &fakeUsers{seen: map[string]store.Profile{}}
	expired, err := utils.GenerateToken("auth0|ada", "ada", "", -time.Minute)
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		code   int
	}{
		"missing": {"", 40101},
		"format":  {"Token abc", 40102},
		"empty":   {"Bearer   ", 40103},
		"garbage": {"Bearer not.a.jwt", 40105},
		"expired": {"Bearer " + expired, 40105},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			authRouter(users).ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tc.code, decode(t, w).Code)
		})
	}
	assert.Empty(t, users.seen)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	setup(t)
	tok, err := utils.GenerateToken("auth0|grace", "grace", "", time.Hour)
	require.NoError(t, err)
	utils.RevokeToken(context.Background(), tok, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	authRouter(&fakeUsers{seen: map[string]store.Profile{}}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40104, decode(t, w).Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	setup(t)
	r := gin.New()
	// 2 per minute gives a burst of one
	r.GET("/x", RateLimit(2), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2"))
}

func TestRequestIDIsPropagatedOrAssigned(t *testing.T) {
	setup(t)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(utils.ContextRequestIDKey))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	got := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, got)
	assert.Equal(t, got, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestBodyLimit(t *testing.T) {
	setup(t)
	r := gin.New()
	r.POST("/up", BodyLimit(8), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/up", strings.NewReader("small")))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/up", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMetricsUseRouteTemplate(t *testing.T) {
	setup(t)
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/receipts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, p := range []string{"/receipts/1", "/receipts/2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/receipts/:id", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}
