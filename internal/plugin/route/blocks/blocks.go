package blocks

import (
	"net/http"

	"github.com/chirino/messaging-service/internal/plugin/route/routeutil"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the caller's block list routes.
func MountRoutes(r *gin.Engine, messenger *service.Messenger, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/blocks", func(c *gin.Context) {
		relations, err := messenger.ListBlocked(c.Request.Context(), security.GetUserID(c))
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": relations})
	})
	g.GET("/blocks/:userId", func(c *gin.Context) {
		status, err := messenger.BlockingStatus(c.Request.Context(), security.GetUserID(c), c.Param("userId"))
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})
	g.PUT("/blocks/:userId", func(c *gin.Context) {
		if err := messenger.Block(c.Request.Context(), security.GetUserID(c), c.Param("userId")); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.DELETE("/blocks/:userId", func(c *gin.Context) {
		if err := messenger.Unblock(c.Request.Context(), security.GetUserID(c), c.Param("userId")); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
