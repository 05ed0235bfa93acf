package conversations

import (
	"net/http"

	"github.com/chirino/messaging-service/internal/plugin/route/routeutil"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts conversation and message routes on the given router.
// Called after store initialization so the messenger is available.
func MountRoutes(r *gin.Engine, messenger *service.Messenger, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations", func(c *gin.Context) {
		getOrCreateConversation(c, messenger)
	})
	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, messenger)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, messenger)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, messenger)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		sendText(c, messenger)
	})
	g.POST("/conversations/:conversationId/seen", func(c *gin.Context) {
		markSeen(c, messenger)
	})
}

func getOrCreateConversation(c *gin.Context, messenger *service.Messenger) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	conv, created, err := messenger.GetOrCreate(c.Request.Context(), security.GetUserID(c), req.ParticipantID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if created {
		c.JSON(http.StatusCreated, conv)
	} else {
		c.JSON(http.StatusOK, conv)
	}
}

func listConversations(c *gin.Context, messenger *service.Messenger) {
	list, err := messenger.ListConversations(
		c.Request.Context(),
		security.GetUserID(c),
		routeutil.QueryPtr(c, "afterCursor"),
		routeutil.QueryInt(c, "limit", 20),
	)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list.Conversations, "afterCursor": list.AfterCursor})
}

func getConversation(c *gin.Context, messenger *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	conv, err := messenger.GetConversation(c.Request.Context(), security.GetUserID(c), id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func listMessages(c *gin.Context, messenger *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	page, err := messenger.ListMessages(
		c.Request.Context(),
		security.GetUserID(c),
		id,
		routeutil.QueryPtr(c, "before"),
		routeutil.QueryInt(c, "limit", 20),
	)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page.Messages, "hasMore": page.HasMore, "beforeCursor": page.BeforeCursor})
}

func sendText(c *gin.Context, messenger *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, "body", err.Error())
		return
	}
	msg, err := messenger.SendText(c.Request.Context(), security.GetUserID(c), id, req.Text)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func markSeen(c *gin.Context, messenger *service.Messenger) {
	id, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	n, err := messenger.MarkSeen(c.Request.Context(), security.GetUserID(c), id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
