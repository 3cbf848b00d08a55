package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/auth"
	"github.com/0gfoundation/x402-facilitator/internal/fee"
)

// WhitelistAdmin is satisfied by whitelist.Service.
type WhitelistAdmin interface {
	Invalidate(address, network string)
	Purge()
}

// FeeAdmin is satisfied by fee.Module.
type FeeAdmin interface {
	CheckMerchantAllowance(ctx context.Context, merchant, network string) fee.AllowanceInfo
	DeadLetters(ctx context.Context, network string, limit int64) ([]fee.Job, error)
}

// Admin serves operator-only maintenance routes.
type Admin struct {
	wl   WhitelistAdmin
	fees FeeAdmin
	log  *zap.Logger
}

func NewAdmin(wl WhitelistAdmin, fees FeeAdmin, log *zap.Logger) *Admin {
	return &Admin{wl: wl, fees: fees, log: log}
}

// Register mounts the admin routes under rg. authMiddleware should already
// be applied to the group.
func (a *Admin) Register(rg *gin.RouterGroup) {
	rg.POST("/whitelist/invalidate", a.handleInvalidate)
	rg.GET("/fee/allowance", a.handleAllowance)
	rg.GET("/fee/dlq", a.handleDeadLetters)
}

type invalidateRequest struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

// handleInvalidate drops one cached whitelist decision, or all of them when
// no address is given.
func (a *Admin) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	operator := c.GetString(auth.ContextOperator)

	if req.Address == "" {
		a.wl.Purge()
		a.log.Info("whitelist cache purged", zap.String("operator", operator))
		c.JSON(http.StatusOK, gin.H{"ok": true, "purged": true})
		return
	}
	if !common.IsHexAddress(req.Address) || req.Network == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address and network required"})
		return
	}
	a.wl.Invalidate(req.Address, req.Network)
	a.log.Info("whitelist entry invalidated",
		zap.String("operator", operator),
		zap.String("address", req.Address),
		zap.String("network", req.Network),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *Admin) handleAllowance(c *gin.Context) {
	merchant := c.Query("merchant")
	network := c.Query("network")
	if !common.IsHexAddress(merchant) || network == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merchant and network required"})
		return
	}
	info := a.fees.CheckMerchantAllowance(c.Request.Context(), merchant, network)
	c.JSON(http.StatusOK, gin.H{
		"merchant":  merchant,
		"network":   network,
		"allowance": info,
	})
}

func (a *Admin) handleDeadLetters(c *gin.Context) {
	network := c.Query("network")
	if network == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "network required"})
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	jobs, err := a.fees.DeadLetters(c.Request.Context(), network, limit)
	if err != nil {
		a.log.Error("read fee DLQ", zap.String("network", network), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if jobs == nil {
		jobs = []fee.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"network": network, "jobs": jobs})
}
