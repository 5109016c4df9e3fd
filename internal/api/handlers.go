package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/glimte/beehive/internal/session"
)

// RegisterBeeRequest is the body of POST /bees
type RegisterBeeRequest struct {
	Name string `json:"name" binding:"required,min=5,max=20"`
}

// SendMessageRequest is the body of POST /messages
type SendMessageRequest struct {
	Sender  string `json:"sender" binding:"required,min=5,max=20"`
	Receive string `json:"receive" binding:"required,min=5,max=20"`
	Content string `json:"content" binding:"required,min=1,max=140"`
}

// registerBee stores the bee, then streams its session events until the client
// goes away or the session is closed.
func (r *Router) registerBee(c *gin.Context) {
	var req RegisterBeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}
	if strings.Contains(req.Name, " ") {
		abortWithError(c, http.StatusBadRequest, "invalidRequest", "name must not contain spaces")
		return
	}

	s, err := r.bees.RegisterBee(c.Request.Context(), req.Name)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	r.stream(c.Request.Context(), c, s.Sink.Events())
}

func (r *Router) stream(ctx context.Context, c *gin.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event.Data)
			c.Writer.Flush()
		}
	}
}

func (r *Router) listBees(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	bees, err := r.bees.ListBees(c.Request.Context(), page, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bees)
}

func (r *Router) sendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	msg, err := r.messages.SendMessage(c.Request.Context(), req.Sender, req.Receive, req.Content)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (r *Router) checkHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.healthTimeout)
	defer cancel()

	result := r.health.Check(ctx)
	c.JSON(result.Status.HTTPStatus(), result)
}

func queryInt(c *gin.Context, key string, defaultValue int) (int, error) {
	value := c.Query(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return n, nil
}
