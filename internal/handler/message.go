package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-chat-service/internal/middleware"
	"github.com/psds-microservice/support-chat-service/internal/service"
)

type MessageHandler struct {
	tickets  service.TicketServicer
	messages service.MessageServicer
}

func NewMessageHandler(tickets service.TicketServicer, messages service.MessageServicer) *MessageHandler {
	return &MessageHandler{tickets: tickets, messages: messages}
}

func (h *MessageHandler) List(c *gin.Context) {
	t, ok := loadTicket(c, h.tickets)
	if !ok {
		return
	}
	items, err := h.messages.List(c.Request.Context(), t.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": items})
}

type sendMessageRequest struct {
	Message         string `json:"message" binding:"required"`
	ClientMessageID string `json:"client_message_id" binding:"max=64"`
}

// Send appends a message; the side (admin or customer) comes from the caller identity.
func (h *MessageHandler) Send(c *gin.Context) {
	t, ok := loadTicket(c, h.tickets)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	caller := middleware.CallerFrom(c)
	res, err := h.messages.Send(c.Request.Context(), t.ID, service.SendInput{
		Message:         req.Message,
		IsAdmin:         caller.IsAdmin,
		SenderID:        caller.UserID,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": res.Message, "ticket": res.Ticket})
}
