package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-chat-service/internal/assistant"
	"github.com/psds-microservice/support-chat-service/internal/pastecard"
)

// Generator is implemented by *assistant.Client.
type Generator interface {
	Generate(ctx context.Context, req assistant.Request) (assistant.Result, error)
}

type EditorHandler struct {
	gen Generator
}

// NewEditorHandler accepts a nil generator; assist then answers 503.
func NewEditorHandler(gen Generator) *EditorHandler {
	return &EditorHandler{gen: gen}
}

type pasteRequest struct {
	Text string `json:"text"`
}

// Paste converts pasted text with [!TYPE] markers into callout cards. handled=false tells
// the editor to fall back to its default paste.
func (h *EditorHandler) Paste(c *gin.Context) {
	var req pasteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	res, ok := pastecard.Parse(req.Text)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"handled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": true, "html": res.HTML(), "nodes": res.Nodes})
}

func (h *EditorHandler) Assist(c *gin.Context) {
	if h.gen == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "assistant is not configured"})
		return
	}
	var req assistant.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	res, err := h.gen.Generate(c.Request.Context(), req)
	switch {
	case errors.Is(err, assistant.ErrEmptyInstruction):
		badRequest(c, err.Error())
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": assistant.ErrUnavailable.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}
