package ledger

import (
	"net/http"

	"questledger/pkg/db/pagination"
	"questledger/pkg/errutil"
	"questledger/pkg/middleware"
	"questledger/services/progression"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/accounts/:address", middleware.Address())
	g.GET("", h.GetAccount)
	g.GET("/transactions", h.ListTransactions)
	g.GET("/verify", h.Verify)
}

type accountResponse struct {
	*Account
	Progress progression.Snapshot `json:"progress"`
}

// GetAccount returns the account with its progression snapshot.
// GET /v1/accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.svc.GetAccount(c.Request.Context(), middleware.GetAddress(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{Account: acc, Progress: progression.Progress(acc.ImpactPoints)})
}

// ListTransactions pages through the ledger newest first.
// GET /v1/accounts/:address/transactions?cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.ListTransactions(c.Request.Context(), ListTransactionsRequest{
		Address:    middleware.GetAddress(c),
		Pagination: page,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

// Verify replays the ledger of one address.
// GET /v1/accounts/:address/verify
func (h *Handler) Verify(c *gin.Context) {
	v, err := h.svc.VerifyBalance(c.Request.Context(), middleware.GetAddress(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v, "consistent": v.Consistent()})
}
