// Package api exposes the facilitator over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// Engine is satisfied by facilitator.Facilitator.
type Engine interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) x402.VerifyResponse
	Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) x402.SettleResponse
	Supported() x402.SupportedResponse
}

const notFoundMessage = "Endpoint not found. Available endpoints: /verify, /settle, /supported"

// Handler wires the public x402 routes onto a Gin engine.
type Handler struct {
	fac Engine
	log *zap.Logger
}

func NewHandler(fac Engine, log *zap.Logger) *Handler {
	return &Handler{fac: fac, log: log}
}

// Register mounts the public routes, CORS and the 404/405 fallbacks on r.
// Call it after the recovery middleware has been installed.
func (h *Handler) Register(r *gin.Engine) {
	r.HandleMethodNotAllowed = true
	r.Use(cors())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMessage})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": fmt.Sprintf("method %s not allowed", c.Request.Method)})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/verify", h.handleVerify)
	r.POST("/settle", h.handleSettle)
	r.GET("/supported", h.handleSupported)
}

// cors answers preflight for every path and marks every response as
// readable from any origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		hdr := c.Writer.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Content-Type, X-Wallet-Address, X-Signed-Message, X-Wallet-Signature")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// bind decodes the request body, answering 400 itself when it cannot.
func bind(c *gin.Context) (*x402.VerifyRequest, bool) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, false
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing paymentPayload or paymentRequirements"})
		return nil, false
	}
	return &req, true
}

func (h *Handler) handleVerify(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	resp := h.fac.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if resp.InvalidReason == x402.ReasonUnexpectedVerifyError {
		verifyFailure(c)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleSettle(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	resp := h.fac.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if resp.ErrorReason == x402.ErrorUnexpectedSettlement {
		settleFailure(c, resp.Network)
		return
	}
	if !resp.Success {
		h.log.Info("settle rejected",
			zap.String("network", resp.Network),
			zap.String("payer", resp.Payer),
			zap.String("reason", resp.ErrorReason),
		)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, h.fac.Supported())
}

func verifyFailure(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":         "Internal server error during verification",
		"isValid":       false,
		"invalidReason": x402.ReasonUnexpectedVerifyError,
	})
}

func settleFailure(c *gin.Context, network string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":       "Internal server error during settlement",
		"success":     false,
		"errorReason": x402.ErrorUnexpectedSettlement,
		"transaction": "",
		"network":     network,
	})
}

// Recovery turns a handler panic into the endpoint's 500 body.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		log.Error("handler panic", zap.String("path", c.Request.URL.Path), zap.Any("panic", err))
		switch c.FullPath() {
		case "/verify":
			verifyFailure(c)
		case "/settle":
			settleFailure(c, "")
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
	})
}
