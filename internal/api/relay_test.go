package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/chat-relay/internal/config"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/testutil"
	"github.com/npezzotti/chat-relay/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testOrigin        = "http://localhost:3000"
	testAdminPassword = "hunter2"
)

var testSigningKey = []byte("test-signing-key")

func newLenientStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()
	return su
}

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	return &config.Config{
		ServerAddr:        "localhost:8080",
		SigningKey:        testSigningKey,
		AllowedOrigins:    []string{testOrigin},
		UploadDir:         t.TempDir(),
		MaxUploadSize:     upload.DefaultMaxSize,
		AdminPasswordHash: hash,
	}
}

// newTestApp builds an app around a running chat server. The chat server
// is shut down when the test ends.
func newTestApp(t *testing.T, cfg *config.Config) *ChatRelayApp {
	t.Helper()

	logger := testutil.TestLogger(t)
	su := newLenientStats()

	cs, err := server.NewChatServer(logger, su, server.DefaultConfig())
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	uploads, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadSize, logger)
	require.NoError(t, err)

	return NewChatRelayApp(http.NewServeMux(), logger, cs, uploads, su, cfg)
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func identityToken(t *testing.T, name string) string {
	return signToken(t, testSigningKey, jwt.MapClaims{
		nameClaim:    name,
		pictureClaim: "https://example.com/" + name + ".png",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
}

func TestNewChatRelayApp(t *testing.T) {
	cfg := testAppConfig(t)
	logger := testutil.TestLogger(t)
	su := newLenientStats()
	cs, err := server.NewChatServer(logger, su, server.DefaultConfig())
	require.NoError(t, err)
	uploads, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadSize, logger)
	require.NoError(t, err)

	app := NewChatRelayApp(http.NewServeMux(), logger, cs, uploads, su, cfg)

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, cs, app.cs, "expected chat server to be set")
	assert.Equal(t, uploads, app.uploads, "expected upload store to be set")
	assert.Equal(t, cfg.SigningKey, app.signingKey, "expected signing key to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
	su.AssertCalled(t, "RegisterMetric", stats.Uploads)
}

func TestChatRelayApp_routes(t *testing.T) {
	app := newTestApp(t, testAppConfig(t))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	tcases := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "health check", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "rooms", method: http.MethodGet, path: "/api/rooms", status: http.StatusOK},
		{name: "users", method: http.MethodGet, path: "/api/users", status: http.StatusOK},
		{name: "session without token", method: http.MethodGet, path: "/api/auth/session", status: http.StatusUnauthorized},
		{name: "create room without credentials", method: http.MethodPost, path: "/api/rooms", status: http.StatusUnauthorized},
		{name: "delete room without credentials", method: http.MethodDelete, path: "/api/rooms?id=general", status: http.StatusUnauthorized},
		{name: "missing upload", method: http.MethodGet, path: "/uploads/nope.png", status: http.StatusNotFound},
		{name: "upload listing", method: http.MethodGet, path: "/uploads/", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPut, path: "/api/rooms", status: http.StatusMethodNotAllowed},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestChatRelayApp_cors(t *testing.T) {
	app := newTestApp(t, testAppConfig(t))

	t.Run("allowed origin", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
		req.Header.Set("Origin", testOrigin)
		app.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, testOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("unknown origin", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
		req.Header.Set("Origin", "http://evil.example.com")
		app.Handler().ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestChatRelayApp_shutdown(t *testing.T) {
	app := newTestApp(t, testAppConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, app.Shutdown(ctx))
	assert.ErrorIs(t, app.Start(), http.ErrServerClosed)
}
