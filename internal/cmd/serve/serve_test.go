package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingRequest(t *testing.T) {
	t.Run("multipart media upload is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/0192c4a1-0000-7000-8000-000000000001/media", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.True(t, isStreamingRequest(req))
	})

	t.Run("json message send is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/0192c4a1-0000-7000-8000-000000000001/messages", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isStreamingRequest(req))
	})

	t.Run("json body on media path is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/abc/media", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isStreamingRequest(req))
	})

	t.Run("websocket upgrade is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations/abc/stream", nil)
		req.Header.Set("Upgrade", "websocket")
		require.True(t, isStreamingRequest(req))
	})
}

func TestIsMediaUploadPath(t *testing.T) {
	require.True(t, isMediaUploadPath("/v1/conversations/abc/media"))
	require.False(t, isMediaUploadPath("/v1/conversations//media"))
	require.False(t, isMediaUploadPath("/v1/conversations/abc/media/extra"))
	require.False(t, isMediaUploadPath("/v1/media/abc"))
}

func TestMaxBodySizeMiddleware_SkipsForMultipartMediaUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations/:conversationId/media", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/abc/media", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesForJSONEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
