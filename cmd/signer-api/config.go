package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"github.com/aegis-sign/anysigner/internal/coin"
)

// serverConfig 汇总进程级配置，全部来自环境变量（可选 .env 文件）。
type serverConfig struct {
	HTTPAddr     string
	GRPCAddr     string
	CoinsFile    string
	LogLevel     slog.Level
	RateLimit    float64
	RateBurst    int
	BitcoinNet   *chaincfg.Params
	RemoteTarget string
	RemoteCoins  []coin.Type
}

// loadEnvFile 读取 .env，文件不存在时忽略。
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() (serverConfig, error) {
	cfg := serverConfig{
		HTTPAddr:     envOrDefault("SIGNER_HTTP_ADDR", ":8080"),
		GRPCAddr:     envOrDefault("SIGNER_GRPC_ADDR", ":9090"),
		CoinsFile:    os.Getenv("SIGNER_COINS_FILE"),
		RateBurst:    100,
		BitcoinNet:   &chaincfg.MainNetParams,
		RemoteTarget: os.Getenv("SIGNER_REMOTE_TARGETS"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOrDefault("SIGNER_LOG_LEVEL", "info"))); err != nil {
		return cfg, fmt.Errorf("SIGNER_LOG_LEVEL: %w", err)
	}
	if raw := os.Getenv("SIGNER_RATE_LIMIT"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return cfg, fmt.Errorf("SIGNER_RATE_LIMIT: invalid value %q", raw)
		}
		cfg.RateLimit = v
	}
	if raw := os.Getenv("SIGNER_RATE_BURST"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return cfg, fmt.Errorf("SIGNER_RATE_BURST: invalid value %q", raw)
		}
		cfg.RateBurst = v
	}
	switch net := envOrDefault("SIGNER_BITCOIN_NETWORK", "mainnet"); net {
	case "mainnet":
	case "testnet", "testnet3":
		cfg.BitcoinNet = &chaincfg.TestNet3Params
	case "regtest":
		cfg.BitcoinNet = &chaincfg.RegressionNetParams
	case "signet":
		cfg.BitcoinNet = &chaincfg.SigNetParams
	default:
		return cfg, fmt.Errorf("SIGNER_BITCOIN_NETWORK: unknown network %q", net)
	}
	coins, err := parseCoinList(os.Getenv("SIGNER_REMOTE_COINS"))
	if err != nil {
		return cfg, fmt.Errorf("SIGNER_REMOTE_COINS: %w", err)
	}
	cfg.RemoteCoins = coins
	if len(coins) > 0 && cfg.RemoteTarget == "" {
		return cfg, errors.New("SIGNER_REMOTE_COINS requires SIGNER_REMOTE_TARGETS")
	}
	return cfg, nil
}

func parseCoinList(raw string) ([]coin.Type, error) {
	var out []coin.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := coin.ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
