package redemption

import (
	"net/http"

	"questledger/pkg/config"
	"questledger/pkg/errutil"
	"questledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

type Handler struct {
	svc   *Service
	limit gin.HandlerFunc
}

type HandlerParams struct {
	fx.In
	Config  *config.Config
	Service *Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		svc:   p.Service,
		limit: middleware.RateLimit(rate.Limit(p.Config.RateLimit.RPS), p.Config.RateLimit.Burst),
	}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/redemptions")
	g.POST("", h.limit, h.Create)
	g.GET("/:id", h.Get)
	g.POST("/:id/complete", h.Complete)
	g.POST("/:id/cancel", h.Cancel)

	acc := r.Group("/accounts/:address", middleware.Address())
	acc.GET("/redemptions", h.List)
	acc.GET("/redemption-quote", h.limit, h.Quote)
}

// Create reserves tokens for a purchase.
// POST /v1/redemptions
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	red, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, red)
}

func (h *Handler) Get(c *gin.Context) {
	red, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, red)
}

// Complete
// POST /v1/redemptions/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	red, err := h.svc.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, red)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel refunds the reserved tokens.
// POST /v1/redemptions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	red, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, red)
}

// List
// GET /v1/accounts/:address/redemptions?status=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	req.Address = middleware.GetAddress(c)

	rows, info, err := h.svc.ListByAddress(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

// Quote prices a purchase without debiting anything.
// GET /v1/accounts/:address/redemption-quote?amount=12.50
func (h *Handler) Quote(c *gin.Context) {
	q, err := h.svc.Quote(c.Request.Context(), middleware.GetAddress(c), c.Query("amount"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, q)
}
