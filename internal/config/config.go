package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/0gfoundation/x402-facilitator/internal/networks"
)

type Config struct {
	Facilitator FacilitatorConfig
	Whitelist   WhitelistConfig
	Fee         FeeConfig
	Splitter    SplitterConfig
	Networks    NetworksConfig
	Chains      map[string]ChainOverride // keyed by numeric chain id
	RPC         RPCConfig
	Redis       RedisConfig
	Server      ServerConfig
	Admin       AdminConfig

	feeAmount      *big.Int
	splitterMinFee *big.Int
}

type FacilitatorConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	RequireSigner bool   `mapstructure:"require_signer"`
}

type WhitelistConfig struct {
	Manual      string `mapstructure:"manual"`
	TestWallets string `mapstructure:"test_wallets"`
	Sources     string `mapstructure:"sources"`
	CacheTTLSec int64  `mapstructure:"cache_ttl_sec"`
}

type FeeConfig struct {
	Amount           string `mapstructure:"amount"`
	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
	RetryIntervalSec int64  `mapstructure:"retry_interval_sec"`
}

type SplitterConfig struct {
	FixedFee string `mapstructure:"fixed_fee"`
}

type NetworksConfig struct {
	Enabled string `mapstructure:"enabled"`
}

type ChainOverride struct {
	RPCURL        string `mapstructure:"rpc_url"`
	Splitter      string `mapstructure:"splitter"`
	NFTWhitelistA string `mapstructure:"nft_whitelist_a"`
	NFTWhitelistB string `mapstructure:"nft_whitelist_b"`
}

type RPCConfig struct {
	TimeoutSec        int64   `mapstructure:"timeout_sec"`
	ReceiptTimeoutSec int64   `mapstructure:"receipt_timeout_sec"`
	TxPerSecond       float64 `mapstructure:"tx_per_second"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AdminConfig lists the wallets allowed to call /admin. Empty disables it.
type AdminConfig struct {
	Operators string `mapstructure:"operators"`
}

// Whitelist source names accepted in WHITELIST_SOURCES.
const (
	SourceManual      = "manual"
	SourceTestWallets = "test_wallets"
	SourceContracts   = "contracts"
)

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 4022)
	v.SetDefault("facilitator.require_signer", true)
	v.SetDefault("whitelist.sources", "manual,test_wallets,contracts")
	v.SetDefault("whitelist.cache_ttl_sec", 60)
	v.SetDefault("fee.amount", "10000")
	v.SetDefault("fee.retry_max_attempts", 5)
	v.SetDefault("fee.retry_interval_sec", 30)
	v.SetDefault("splitter.fixed_fee", "10000")
	v.SetDefault("rpc.timeout_sec", 15)
	v.SetDefault("rpc.receipt_timeout_sec", 120)
	v.SetDefault("rpc.tx_per_second", 5)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"facilitator.private_key":    "FACILITATOR_WALLET_PRIVATE_KEY",
		"facilitator.require_signer": "FACILITATOR_REQUIRE_SIGNER",
		"whitelist.manual":           "MANUAL_WHITELIST",
		"whitelist.test_wallets":     "TEST_WALLETS",
		"whitelist.sources":          "WHITELIST_SOURCES",
		"whitelist.cache_ttl_sec":    "WHITELIST_CACHE_TTL_SEC",
		"fee.amount":                 "FACILITATOR_FEE_AMOUNT",
		"fee.retry_max_attempts":     "FEE_RETRY_MAX_ATTEMPTS",
		"fee.retry_interval_sec":     "FEE_RETRY_INTERVAL_SEC",
		"splitter.fixed_fee":         "SPLITTER_FIXED_FEE",
		"networks.enabled":           "ENABLED_NETWORKS",
		"rpc.timeout_sec":            "RPC_TIMEOUT_SEC",
		"rpc.receipt_timeout_sec":    "RECEIPT_TIMEOUT_SEC",
		"rpc.tx_per_second":          "RPC_TX_PER_SECOND",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"server.port":                "PORT",
		"admin.operators":            "OPERATOR_ADDRESSES",
	}
	// Per-network overrides: RPC_URL_10, SPLITTER_ADDRESS_84532, ...
	for _, network := range networks.Known() {
		chainID, err := networks.ParseCAIP2(network)
		if err != nil {
			return nil, err
		}
		id := chainID.String()
		bindings["chains."+id+".rpc_url"] = "RPC_URL_" + id
		bindings["chains."+id+".splitter"] = "SPLITTER_ADDRESS_" + id
		bindings["chains."+id+".nft_whitelist_a"] = "NFT_WHITELIST_A_" + id
		bindings["chains."+id+".nft_whitelist_b"] = "NFT_WHITELIST_B_" + id
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Facilitator.RequireSigner && c.Facilitator.PrivateKey == "" {
		return fmt.Errorf("required config missing: FACILITATOR_WALLET_PRIVATE_KEY")
	}

	var err error
	if c.feeAmount, err = parseAmount("FACILITATOR_FEE_AMOUNT", c.Fee.Amount); err != nil {
		return err
	}
	if c.splitterMinFee, err = parseAmount("SPLITTER_FIXED_FEE", c.Splitter.FixedFee); err != nil {
		return err
	}

	for _, s := range c.WhitelistSources() {
		switch s {
		case SourceManual, SourceTestWallets, SourceContracts:
		default:
			return fmt.Errorf("WHITELIST_SOURCES: unknown source %q", s)
		}
	}
	for name, list := range map[string][]string{
		"MANUAL_WHITELIST":   splitList(c.Whitelist.Manual),
		"TEST_WALLETS":       splitList(c.Whitelist.TestWallets),
		"OPERATOR_ADDRESSES": splitList(c.Admin.Operators),
	} {
		for _, a := range list {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("%s: invalid address %q", name, a)
			}
		}
	}

	if c.Whitelist.CacheTTLSec <= 0 {
		return fmt.Errorf("WHITELIST_CACHE_TTL_SEC must be positive")
	}
	if c.RPC.TimeoutSec <= 0 || c.RPC.ReceiptTimeoutSec <= 0 {
		return fmt.Errorf("RPC_TIMEOUT_SEC and RECEIPT_TIMEOUT_SEC must be positive")
	}
	if c.Fee.RetryMaxAttempts < 0 {
		return fmt.Errorf("FEE_RETRY_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

func parseAmount(name, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", name, s)
	}
	return n, nil
}

// splitList splits a comma-separated env value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FeeAmount is the flat facilitator fee in token units. Zero disables fees.
func (c *Config) FeeAmount() *big.Int { return new(big.Int).Set(c.feeAmount) }

// SplitterMinAmount is the smallest payment accepted on the splitter path.
func (c *Config) SplitterMinAmount() *big.Int { return new(big.Int).Set(c.splitterMinFee) }

func (c *Config) ManualWhitelist() []string { return splitList(c.Whitelist.Manual) }

func (c *Config) TestWallets() []string { return splitList(c.Whitelist.TestWallets) }

func (c *Config) WhitelistSources() []string { return splitList(c.Whitelist.Sources) }

func (c *Config) EnabledNetworks() []string { return splitList(c.Networks.Enabled) }

func (c *Config) Operators() []string { return splitList(c.Admin.Operators) }

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Whitelist.CacheTTLSec) * time.Second
}

func (c *Config) RPCTimeout() time.Duration { return time.Duration(c.RPC.TimeoutSec) * time.Second }

func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.RPC.ReceiptTimeoutSec) * time.Second
}

func (c *Config) FeeRetryInterval() time.Duration {
	return time.Duration(c.Fee.RetryIntervalSec) * time.Second
}

// NetworkOverrides converts the per-chain-id settings into registry
// overrides keyed by CAIP-2 id.
func (c *Config) NetworkOverrides() map[string]networks.Override {
	out := make(map[string]networks.Override, len(c.Chains))
	for id, o := range c.Chains {
		out["eip155:"+id] = networks.Override{
			RPCURL:        o.RPCURL,
			Splitter:      o.Splitter,
			NFTWhitelistA: o.NFTWhitelistA,
			NFTWhitelistB: o.NFTWhitelistB,
		}
	}
	return out
}
