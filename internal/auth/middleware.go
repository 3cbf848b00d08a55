// Package auth authenticates operator requests to the admin API with
// EIP-191 wallet signatures.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message. Action must be
// the route being called, e.g. "/admin/fee/dlq".
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "admin:nonce:"

	// ContextOperator is the gin context key holding the recovered operator.
	ContextOperator = "operator_address"
)

// Middleware returns a Gin handler that admits requests signed by one of
// operators. Each nonce is accepted once until the request expires.
func Middleware(rdb *redis.Client, operators []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(operators))
	for _, op := range operators {
		allowed[strings.ToLower(strings.TrimSpace(op))] = struct{}{}
	}

	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Action != c.FullPath() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "action does not match route"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hexutil.Decode(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || !strings.EqualFold(recovered.Hex(), walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if _, ok := allowed[strings.ToLower(recovered.Hex())]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not an operator"})
			return
		}

		// Nonce dedup via Redis SET NX
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(ContextOperator, recovered.Hex())
		c.Next()
	}
}
