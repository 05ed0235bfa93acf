package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(NewTokenResolver(cfg)))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetUserID(c), "client": GetClientID(c)})
	})
	return r
}

func TestResolveTokenAsUserID(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKeys = map[string]string{"key-1": "mobile"}
	r := NewTokenResolver(&cfg)

	id, err := r.Resolve(context.Background(), "alice", "key-1", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "mobile", id.ClientID)

	id, err = r.Resolve(context.Background(), "alice", "bogus", "web")
	require.NoError(t, err)
	assert.Empty(t, id.ClientID, "X-Client-ID is ignored outside testing mode")

	_, err = r.Resolve(context.Background(), "  ", "", "")
	require.Error(t, err)
}

func TestResolveTestingModeClientHeader(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	id, err := NewTokenResolver(&cfg).Resolve(context.Background(), "bob", "", "web")
	require.NoError(t, err)
	assert.Equal(t, "web", id.ClientID)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	r := newTestRouter(&cfg)

	tests := []struct {
		name   string
		header map[string]string
		query  string
		status int
	}{
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "not bearer", header: map[string]string{"Authorization": "Basic abc"}, status: http.StatusUnauthorized},
		{name: "bearer", header: map[string]string{"Authorization": "Bearer u1"}, status: http.StatusOK},
		{name: "query token without upgrade", query: "?access_token=u1", status: http.StatusUnauthorized},
		{name: "query token on websocket upgrade", header: map[string]string{"Upgrade": "websocket"}, query: "?access_token=u1", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"user":"u1"`)
			} else {
				assert.Contains(t, w.Body.String(), `"code":"unauthenticated"`)
			}
		})
	}
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD", "pod-7")
	labels, err := ParseMetricsLabels("service=messaging,pod=${POD}")
	require.NoError(t, err)
	assert.Equal(t, "messaging", labels["service"])
	assert.Equal(t, "pod-7", labels["pod"])

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	assert.Nil(t, labels)
}
