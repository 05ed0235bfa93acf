package media

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/plugin/route/routeutil"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/gin-gonic/gin"
)

// multipartOverhead is the allowance for multipart framing on top of the media limit.
const multipartOverhead = 64 * 1024

// MountRoutes mounts media upload and download routes.
func MountRoutes(r *gin.Engine, messenger *service.Messenger, maxSize int64, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/:conversationId/media", func(c *gin.Context) {
		sendMedia(c, messenger, maxSize)
	})
	g.GET("/media/*key", func(c *gin.Context) {
		serveMedia(c, messenger)
	})
}

func tooLarge(c *gin.Context, maxSize int64) {
	routeutil.HandleError(c, &registrystore.ValidationError{
		Field:   "file",
		Message: "exceeds maximum size of " + humanSize(maxSize),
	})
}

func sendMedia(c *gin.Context, messenger *service.Messenger, maxSize int64) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	limit := maxSize + multipartOverhead
	if c.Request.ContentLength > limit {
		tooLarge(c, maxSize)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c, maxSize)
			return
		}
		routeutil.BadRequest(c, "file", "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	defer f.Close()

	msg, err := messenger.SendMedia(c.Request.Context(), security.GetUserID(c), id, f, fh.Size, fh.Header.Get("Content-Type"))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func serveMedia(c *gin.Context, messenger *service.Messenger) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || strings.Contains(key, "/") {
		routeutil.HandleError(c, &registrystore.NotFoundError{Resource: "media", ID: key})
		return
	}
	rc, contentType, err := messenger.Media().Open(c.Request.Context(), key)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Warn("Failed to close media reader", "key", key, "err", err)
		}
	}()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		log.Warn("Media download interrupted", "key", key, "err", err)
	}
}

func humanSize(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return strconv.FormatInt(n/mib, 10) + " MiB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}
