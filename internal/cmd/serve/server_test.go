package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartServerSQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = "file:" + filepath.Join(t.TempDir(), "messaging.db") + "?_busy_timeout=5000"
	cfg.CacheType = "local"
	cfg.MetricsLabels = "service=messaging-service-test"
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.TempDir = t.TempDir()

	ctx := config.WithContext(context.Background(), &cfg)
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	assert.Equal(t, "local", cfg.ResolvedNotifyType())
	assert.Equal(t, "sqlite", cfg.ResolvedMediaType())

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(base + "/v1/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	call := func(method, path, user, body string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(method, base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+user)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, conv := call(http.MethodPost, "/v1/conversations", "u1", `{"participantId":"u2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	convID, _ := conv["id"].(string)
	require.NotEmpty(t, convID)

	resp, _ = call(http.MethodPost, "/v1/conversations/"+convID+"/messages", "u1", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, page := call(http.MethodGet, "/v1/conversations/"+convID+"/messages", "u2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := page["data"].([]any)
	require.Len(t, data, 1)
}
