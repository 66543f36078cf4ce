package oracle

import (
	"net/http"
	"strconv"

	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/oracle")
	g.GET("/report", h.Report)
	g.GET("/records", h.List)
	g.GET("/records/:id", h.Get)
	g.POST("/records/:id/retry", h.Retry)
	g.POST("/retry-failed", h.RetryFailed)
}

func (h *Handler) Report(c *gin.Context) {
	report, err := h.svc.Report(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type listQuery struct {
	Status Status `form:"status"`
	pagination.Pagination
}

func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	rows, info, err := h.svc.List(c.Request.Context(), ListRequest{Status: q.Status, Pagination: q.Pagination})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Retry(c *gin.Context) {
	rec, err := h.svc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) RetryFailed(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid limit", err))
		return
	}

	n, err := h.svc.RetryFailed(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"retried": n})
}
