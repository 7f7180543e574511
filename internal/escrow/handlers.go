package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmirror/internal/auth"
	"github.com/mbd888/escrowmirror/internal/circuitbreaker"
	"github.com/mbd888/escrowmirror/internal/executor"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/pagination"
	"github.com/mbd888/escrowmirror/internal/settlement"
	"github.com/mbd888/escrowmirror/internal/snapshot"
	"github.com/mbd888/escrowmirror/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	dispatcher *executor.Dispatcher
	receipts   ReceiptLister
	opener     Opener
	actionMW   []gin.HandlerFunc
}

// NewHandler creates a new escrow handler.
func NewHandler(d *executor.Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// WithReceipts enables GET /escrows/:id/receipts.
func (h *Handler) WithReceipts(r ReceiptLister) *Handler {
	h.receipts = r
	return h
}

// WithActionMiddleware runs mw before every action submission.
func (h *Handler) WithActionMiddleware(mw ...gin.HandlerFunc) *Handler {
	h.actionMW = append(h.actionMW, mw...)
	return h
}

// WithSandbox enables POST /sandbox/escrows.
func (h *Handler) WithSandbox(o Opener) *Handler {
	h.opener = o
	return h
}

// RegisterRoutes sets up escrow routes. Identity is optional: anonymous
// callers are viewers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/escrows/:id", validation.EscrowParamMiddleware())
	g.GET("", h.GetEscrow)
	g.GET("/view", h.GetView)
	g.POST("/actions/:action", append(append([]gin.HandlerFunc{}, h.actionMW...), h.Act)...)
	if h.receipts != nil {
		g.GET("/receipts", h.ListReceipts)
	}
}

// RegisterSandboxRoutes sets up development-only routes.
func (h *Handler) RegisterSandboxRoutes(r *gin.RouterGroup) {
	if h.opener != nil {
		r.POST("/escrows", h.OpenEscrow)
	}
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	_, record, err := h.dispatcher.View(c.Request.Context(), escrowID(c), "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": FromRecord(record)})
}

// GetView handles GET /v1/escrows/:id/view
func (h *Handler) GetView(c *gin.Context) {
	view, record, err := h.dispatcher.View(c.Request.Context(), escrowID(c), auth.GetAuthenticatedAgent(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow": FromRecord(record),
		"view":   view,
	})
}

// Act handles POST /v1/escrows/:id/actions/:action
func (h *Handler) Act(c *gin.Context) {
	action, err := lifecycle.ParseAction(c.Param("action"))
	if err != nil {
		writeError(c, err)
		return
	}

	var req ActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), executor.Request{
		RecordID: escrowID(c),
		Caller:   auth.GetAuthenticatedAgent(c),
		Action:   action,
		Params:   req.Params,
		Rendered: req.Decision(),
	})
	if err != nil {
		if res != nil {
			status, code := errorStatus(err)
			c.JSON(status, gin.H{
				"error":   code,
				"message": err.Error(),
				"intent":  res.Intent,
				"escrow":  FromRecord(res.Record),
				"view":    res.View,
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent":  res.Intent,
		"receipt": res.Receipt,
		"escrow":  FromRecord(res.Record),
		"view":    res.View,
	})
}

// ListReceipts handles GET /v1/escrows/:id/receipts
func (h *Handler) ListReceipts(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	receipts, err := h.receipts.Receipts(c.Request.Context(), escrowID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(
		pagination.After(receipts, cursor, receiptKey), pagination.ClampLimit(limit), receiptKey)
	body := gin.H{
		"receipts": page,
		"count":    len(page),
		"hasMore":  more,
	}
	if more {
		body["nextCursor"] = next
	}
	c.JSON(http.StatusOK, body)
}

func receiptKey(r *lifecycle.Receipt) (int64, string) { return r.ExecutedAt, r.ID }

// OpenEscrow handles POST /v1/sandbox/escrows
func (h *Handler) OpenEscrow(c *gin.Context) {
	var req settlement.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidAddress("seller", req.Seller),
		validation.ValidBaseUnits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	record, err := h.opener.Open(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": FromRecord(record)})
}

// escrowID reads the :id parameter in the lowercase form records use.
func escrowID(c *gin.Context) string {
	return validation.SanitizeAddress(c.Param("id"))
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
	}

	body := gin.H{"error": code, "message": err.Error()}
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	c.JSON(status, body)
}

// errorStatus maps dispatch errors onto HTTP. Order matters: an
// ExecutionError also matches the executor's own error.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrStaleSnapshot):
		return http.StatusConflict, "stale_snapshot"
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, lifecycle.ErrExecution) && errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable, "settlement_unavailable"
	case errors.Is(err, lifecycle.ErrExecution) && errors.Is(err, lifecycle.ErrRejected):
		return http.StatusUnprocessableEntity, "execution_rejected"
	case errors.Is(err, lifecycle.ErrExecution):
		return http.StatusBadGateway, "execution_failed"
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, settlement.ErrInvalidRequest):
		return http.StatusBadRequest, "validation_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
