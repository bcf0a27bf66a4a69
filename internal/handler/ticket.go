package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/middleware"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/service"
)

type TicketHandler struct {
	svc service.TicketServicer
}

func NewTicketHandler(svc service.TicketServicer) *TicketHandler {
	return &TicketHandler{svc: svc}
}

// loadTicket resolves :ref and checks that the caller may see the ticket. Admins see every
// ticket. A registered user sees their own. Guest tickets are reachable by ticket number,
// which their requester received on creation, but not by the guessable numeric id.
func loadTicket(c *gin.Context, svc service.TicketServicer) (*model.SupportTicket, bool) {
	ref := c.Param("ref")
	t, err := svc.GetByRef(c.Request.Context(), ref)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	caller := middleware.CallerFrom(c)
	switch {
	case caller.IsAdmin:
	case t.UserID.Valid:
		if !t.OwnedBy(caller.UserID) {
			writeError(c, errs.ErrForbidden)
			return nil, false
		}
	case !model.IsTicketNumber(ref):
		writeError(c, errs.ErrForbidden)
		return nil, false
	}
	return t, true
}

type createTicketRequest struct {
	Subject    string `json:"subject" binding:"required"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Priority   string `json:"priority"`
	GuestName  string `json:"guest_name"`
	GuestEmail string `json:"guest_email" binding:"omitempty,email"`
}

// Create opens a ticket. A caller with an id becomes its owner; otherwise the guest
// contact is required.
func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	in := service.CreateTicketInput{
		Subject:  req.Subject,
		Message:  req.Message,
		Category: req.Category,
		Priority: req.Priority,
	}
	if caller := middleware.CallerFrom(c); caller.UserID != "" {
		in.UserID = caller.UserID
	} else {
		in.GuestName, in.GuestEmail = req.GuestName, req.GuestEmail
	}
	t, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *TicketHandler) Get(c *gin.Context) {
	t, ok := loadTicket(c, h.svc)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) List(c *gin.Context) {
	filter := service.TicketFilter{
		Status:   c.Query("status"),
		Priority: c.Query("priority"),
		Category: c.Query("category"),
		UserID:   c.Query("user_id"),
	}

	// Parse limit and offset
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	items, total, err := h.svc.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": items,
		"total":   total,
	})
}

type updateTicketRequest struct {
	Status   *string `json:"status,omitempty"`
	Priority *string `json:"priority,omitempty"`
	Category *string `json:"category,omitempty"`
	Subject  *string `json:"subject,omitempty"`
}

func (h *TicketHandler) Update(c *gin.Context) {
	t, ok := loadTicket(c, h.svc)
	if !ok {
		return
	}
	var req updateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if req.Status == nil && req.Priority == nil && req.Category == nil && req.Subject == nil {
		badRequest(c, "no changes")
		return
	}
	updated, err := h.svc.Update(c.Request.Context(), t.ID, service.TicketChanges{
		Status:   req.Status,
		Priority: req.Priority,
		Category: req.Category,
		Subject:  req.Subject,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
