package profiles

import (
	"net/http"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/route/routeutil"
	"github.com/chirino/messaging-service/internal/profile"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts profile routes. Writes go through the cache so it is invalidated.
func MountRoutes(r *gin.Engine, profiles *profile.Cache, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.PUT("/profile", func(c *gin.Context) {
		var req struct {
			DisplayName string `json:"displayName"`
			AvatarURL   string `json:"avatarUrl"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			routeutil.BadRequest(c, "body", err.Error())
			return
		}
		saved, err := profiles.Put(c.Request.Context(), model.Profile{
			ID:          security.GetUserID(c),
			DisplayName: req.DisplayName,
			AvatarURL:   req.AvatarURL,
		})
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, saved)
	})
	g.GET("/profiles/:userId", func(c *gin.Context) {
		p, err := profiles.Get(c.Request.Context(), c.Param("userId"))
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})
}
