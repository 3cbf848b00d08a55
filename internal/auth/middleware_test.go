package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testRoute = "/admin/test"

// testSetup creates a miniredis instance and a Gin engine with the operator
// middleware guarding testRoute. The returned key is the only operator.
func testSetup(t *testing.T) (*miniredis.Miniredis, *ecdsa.PrivateKey, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	op, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.POST(testRoute, Middleware(rdb, []string{crypto.PubkeyToAddress(op.PublicKey).Hex()}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(ContextOperator)})
	})
	return mr, op, r
}

// buildRequest creates a signed HTTP request for testRoute.
// expiresOffset is relative to now (e.g. +2*time.Minute for valid, -1 for expired).
func buildRequest(t *testing.T, key *ecdsa.PrivateKey, action string, expiresOffset time.Duration, nonce string) *http.Request {
	t.Helper()
	walletAddr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	sr := SignedRequest{
		Action:    action,
		ExpiresAt: time.Now().Add(expiresOffset).Unix(),
		Nonce:     nonce,
		Payload:   json.RawMessage(`{}`),
	}
	msgBytes, _ := json.Marshal(sr)
	msgB64 := base64.StdEncoding.EncodeToString(msgBytes)

	sig, _ := crypto.Sign(HashMessage(msgBytes), key)
	sig[64] += 27

	req := httptest.NewRequest(http.MethodPost, testRoute, nil)
	req.Header.Set("X-Wallet-Address", walletAddr)
	req.Header.Set("X-Signed-Message", msgB64)
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return req
}

func serve(r *gin.Engine, req *http.Request) (int, map[string]string) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

func TestMiddleware_ValidRequest(t *testing.T) {
	_, op, r := testSetup(t)

	code, resp := serve(r, buildRequest(t, op, testRoute, 2*time.Minute, "nonce-valid-1"))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp)
	}
	if want := crypto.PubkeyToAddress(op.PublicKey).Hex(); resp["operator"] != want {
		t.Errorf("operator = %q, want %q", resp["operator"], want)
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	_, _, r := testSetup(t)

	code, _ := serve(r, httptest.NewRequest(http.MethodPost, testRoute, nil))
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		action  string
		expires time.Duration
		wantErr string
	}{
		{"expired", testRoute, -time.Second, "request expired"},
		{"too far in future", testRoute, 10 * time.Minute, "expires_at too far in future"},
		{"signed for another route", "/admin/fee/dlq", 2 * time.Minute, "action does not match route"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, op, r := testSetup(t)
			code, resp := serve(r, buildRequest(t, op, tc.action, tc.expires, "nonce-"+tc.name))
			if code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %v", code, resp)
			}
			if resp["error"] != tc.wantErr {
				t.Errorf("error = %q, want %q", resp["error"], tc.wantErr)
			}
		})
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	_, op, r := testSetup(t)

	// Valid request, then swap in a different wallet address
	req := buildRequest(t, op, testRoute, 2*time.Minute, "nonce-badsig-1")
	req.Header.Set("X-Wallet-Address", "0x000000000000000000000000000000000000dEaD")

	code, resp := serve(r, req)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", code, resp)
	}
	if resp["error"] != "invalid signature" {
		t.Errorf("unexpected error: %s", resp["error"])
	}
}

func TestMiddleware_NotOperator(t *testing.T) {
	_, _, r := testSetup(t)
	stranger, _ := crypto.GenerateKey()

	code, resp := serve(r, buildRequest(t, stranger, testRoute, 2*time.Minute, "nonce-stranger-1"))
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %v", code, resp)
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	_, op, r := testSetup(t)

	if code, resp := serve(r, buildRequest(t, op, testRoute, 2*time.Minute, "nonce-replay-1")); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %v", code, resp)
	}
	code, resp := serve(r, buildRequest(t, op, testRoute, 2*time.Minute, "nonce-replay-1"))
	if code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d: %v", code, resp)
	}
	if resp["error"] != "nonce already used" {
		t.Errorf("unexpected error: %s", resp["error"])
	}
}

func TestMiddleware_NonceTTL(t *testing.T) {
	mr, op, r := testSetup(t)

	if code, _ := serve(r, buildRequest(t, op, testRoute, 2*time.Minute, "nonce-ttl-1")); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	ttl := mr.TTL(nonceKeyPrefix + "nonce-ttl-1")
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Fatalf("nonce ttl = %v, want (0, 2m]", ttl)
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists(nonceKeyPrefix + "nonce-ttl-1") {
		t.Fatal("nonce should expire with the request")
	}
}
