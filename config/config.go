// Package config loads the facilitator's settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

const rpcURLPrefix = "RPC_URL_"

// Config is the facilitator process configuration.
type Config struct {
	ListenAddr  string `validate:"required"`
	HomeNetwork string `validate:"required,network"`

	// RPCURLs maps a network name to its RPC endpoint.
	RPCURLs map[string]string `validate:"dive,url"`

	// DatabaseURL selects the SQL registry store. Empty means in-memory.
	DatabaseURL string

	AdminAddress       common.Address
	FacilitatorAddress common.Address

	LogLevel               string `validate:"oneof=debug info warn error"`
	EnableMetrics          bool
	BestEffortConfirmation bool
	ConfirmTimeout         time.Duration `validate:"gt=0"`

	// AcceptUnconfirmedHomeProofs settles home network proofs without an RPC
	// endpoint to check them against.
	AcceptUnconfirmedHomeProofs bool

	SupportedTokens []types.TokenInfo `validate:"dive"`

	// ProxyRegistryAddress is the origin directory contract on the home network.
	ProxyRegistryAddress common.Address

	PricingFile string
}

// Load reads the given .env files (".env" when none are given), then the process
// environment. Missing .env files are not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, types.WrapError(types.ErrConfigError, "failed to read .env", err)
	}
	return FromEnviron(os.Environ())
}

// FromEnviron builds a Config from KEY=VALUE pairs.
func FromEnviron(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	get := func(key, def string) string {
		if v, ok := env[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		ListenAddr:  get("LISTEN_ADDR", ":4021"),
		HomeNetwork: get("HOME_NETWORK", string(types.NetworkBaseSepolia)),
		RPCURLs:     make(map[string]string),
		DatabaseURL: get("DATABASE_URL", ""),
		LogLevel:    strings.ToLower(get("LOG_LEVEL", "info")),
		PricingFile: get("PRICING_FILE", ""),
	}

	for k, v := range env {
		if name, ok := strings.CutPrefix(k, rpcURLPrefix); ok && v != "" {
			cfg.RPCURLs[networkFromEnv(name)] = v
		}
	}

	var err error
	if cfg.AdminAddress, err = address(get("ADMIN_ADDRESS", ""), "ADMIN_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.FacilitatorAddress, err = address(get("FACILITATOR_ADDRESS", ""), "FACILITATOR_ADDRESS"); err != nil {
		return nil, err
	}
	if raw := get("PROXY_REGISTRY_ADDRESS", ""); raw != "" {
		if cfg.ProxyRegistryAddress, err = address(raw, "PROXY_REGISTRY_ADDRESS"); err != nil {
			return nil, err
		}
	}

	if cfg.EnableMetrics, err = boolean(get("ENABLE_METRICS", "true"), "ENABLE_METRICS"); err != nil {
		return nil, err
	}
	if cfg.BestEffortConfirmation, err = boolean(get("BEST_EFFORT_CONFIRMATION", "false"), "BEST_EFFORT_CONFIRMATION"); err != nil {
		return nil, err
	}
	if cfg.AcceptUnconfirmedHomeProofs, err = boolean(get("ACCEPT_UNCONFIRMED_HOME_PROOFS", "false"), "ACCEPT_UNCONFIRMED_HOME_PROOFS"); err != nil {
		return nil, err
	}

	cfg.ConfirmTimeout, err = time.ParseDuration(get("CONFIRM_TIMEOUT", "10s"))
	if err != nil {
		return nil, types.WrapError(types.ErrConfigError, "invalid CONFIRM_TIMEOUT", err)
	}

	if cfg.SupportedTokens, err = ParseTokens(get("SUPPORTED_TOKENS", "")); err != nil {
		return nil, err
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, types.WrapError(types.ErrConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

// Networks returns the networks that have an RPC endpoint, sorted.
func (c *Config) Networks() []string {
	networks := make([]string, 0, len(c.RPCURLs))
	for n := range c.RPCURLs {
		networks = append(networks, n)
	}
	sort.Strings(networks)
	return networks
}

// X402Config converts the process settings into library settings.
func (c *Config) X402Config() types.X402Config {
	clients := make(map[types.Network]types.ClientConfig, len(c.RPCURLs))
	for n, url := range c.RPCURLs {
		clients[types.Network(n)] = types.ClientConfig{
			Network: types.Network(n),
			RPCUrl:  url,
			Timeout: c.ConfirmTimeout,
		}
	}

	return types.X402Config{
		DefaultTimeout:         c.ConfirmTimeout,
		Clients:                clients,
		LogLevel:               c.LogLevel,
		EnableMetrics:          c.EnableMetrics,
		ConfirmTimeout:         c.ConfirmTimeout,
		BestEffortConfirmation: c.BestEffortConfirmation,
		HomeNetwork:            types.Network(c.HomeNetwork),
		SupportedTokens:        c.SupportedTokens,

		AcceptUnconfirmedHomeProofs: c.AcceptUnconfirmedHomeProofs,
	}
}

// ParseTokens parses "SYMBOL:0xADDRESS:DECIMALS" entries separated by commas.
func ParseTokens(raw string) ([]types.TokenInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var tokens []types.TokenInfo
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, types.NewError(types.ErrConfigError, "token %q must be SYMBOL:ADDRESS:DECIMALS", entry)
		}

		addr, err := address(parts[1], "SUPPORTED_TOKENS")
		if err != nil {
			return nil, err
		}
		decimals, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("token %q has invalid decimals", entry), err)
		}

		tokens = append(tokens, types.TokenInfo{Address: addr, Symbol: parts[0], Decimals: int32(decimals)})
	}
	return tokens, nil
}

// networkFromEnv turns BASE_SEPOLIA into base-sepolia.
func networkFromEnv(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

func address(raw, key string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if err := utils.ValidateAddress(raw); err != nil {
		return common.Address{}, types.WrapError(types.ErrConfigError, "invalid "+key, err)
	}
	return common.HexToAddress(raw), nil
}

func boolean(raw, key string) (bool, error) {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, types.WrapError(types.ErrConfigError, "invalid "+key, err)
	}
	return b, nil
}
