package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aegis-sign/anysigner/internal/anysigner"
	signerapi "github.com/aegis-sign/anysigner/internal/api"
	"github.com/aegis-sign/anysigner/internal/chains/bitcoin"
	"github.com/aegis-sign/anysigner/internal/chains/ethereum"
	"github.com/aegis-sign/anysigner/internal/chains/solana"
	"github.com/aegis-sign/anysigner/internal/coin"
	"github.com/aegis-sign/anysigner/internal/infra/remotesigner"
	"github.com/aegis-sign/anysigner/pkg/anysignerrpc"
)

// evmCoins 是由本地 go-ethereum 签名器处理的 EVM 链。
var evmCoins = []coin.Type{60, 61, 178, 820, 889, 966, 1001, 9000, 5718350, 10000025, 10000070, 10009000, 10042221, 20000714, 30000118}

const (
	bitcoinCoin coin.Type = 0
	solanaCoin  coin.Type = 501
)

func main() {
	if err := loadEnvFile(".env"); err != nil {
		slog.Error("failed to load env file", slog.Any("err", err))
		os.Exit(1)
	}
	cfg, err := loadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := loadRegistry(cfg.CoinsFile)
	if err != nil {
		logger.Error("failed to load coin registry", slog.Any("err", err))
		os.Exit(1)
	}
	bindings, closeRemote, err := configureChains(cfg, registry, logger)
	if err != nil {
		logger.Error("failed to configure chain signers", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeRemote()

	opts := []anysigner.Option{anysigner.WithLogger(logger), anysigner.WithRegisterer(prometheus.DefaultRegisterer)}
	for t, signer := range bindings {
		opts = append(opts, anysigner.WithChain(t, signer))
	}
	dispatcher, err := anysigner.New(registry, opts...)
	if err != nil {
		logger.Error("failed to build dispatcher", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("dispatcher ready", slog.Int("coins", registry.Len()), slog.Int("bound_chains", len(bindings)))

	// HTTP server wiring
	mux := http.NewServeMux()
	handler := signerapi.NewHTTPHandler(dispatcher,
		signerapi.WithHTTPLogger(logger),
		signerapi.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server closed unexpectedly", slog.Any("err", err))
			stop()
		}
	}()

	// gRPC server wiring; health status lets other instances use this one as a remote target.
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", slog.Any("err", err))
		os.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	signerapi.NewGRPCServer(dispatcher, logger).Register(grpcSrv)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(anysignerrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	go func() {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server closed unexpectedly", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down servers")
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("err", err))
	}
	grpcSrv.GracefulStop()
}

func loadRegistry(path string) (*coin.Registry, error) {
	if path == "" {
		return coin.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return coin.Load(f)
}

// configureChains 绑定本地签名器，SIGNER_REMOTE_COINS 中的链改由远端签名服务处理。
func configureChains(cfg serverConfig, registry *coin.Registry, logger *slog.Logger) (map[coin.Type]anysigner.ChainSigner, func(), error) {
	bindings := make(map[coin.Type]anysigner.ChainSigner)
	bind := func(t coin.Type, s anysigner.ChainSigner) {
		if registry.Contains(t) {
			bindings[t] = s
		}
	}
	bind(bitcoinCoin, bitcoin.New(bitcoin.WithParams(cfg.BitcoinNet), bitcoin.WithLogger(logger)))
	evm := ethereum.New(logger)
	for _, t := range evmCoins {
		bind(t, evm)
	}
	bind(solanaCoin, solana.New(logger))

	if len(cfg.RemoteCoins) == 0 {
		return bindings, func() {}, nil
	}
	targets, err := remotesigner.ParseTargets(cfg.RemoteTarget)
	if err != nil {
		return nil, func() {}, fmt.Errorf("SIGNER_REMOTE_TARGETS: %w", err)
	}
	pool, err := remotesigner.NewPool(remotesigner.LoadConfigFromEnv(), remotesigner.WithLogger(logger))
	if err != nil {
		return nil, func() {}, err
	}
	for _, target := range targets {
		pool.RegisterTarget(target)
	}
	selector, err := remotesigner.NewCoinSelector(remotesigner.TargetIDs(targets))
	if err != nil {
		_ = pool.Close()
		return nil, func() {}, err
	}
	for _, t := range cfg.RemoteCoins {
		if !registry.Contains(t) {
			_ = pool.Close()
			return nil, func() {}, fmt.Errorf("remote coin %d: %w", t, coin.ErrUnknownCoin)
		}
		signer, err := remotesigner.NewSigner(pool, selector, uint32(t))
		if err != nil {
			_ = pool.Close()
			return nil, func() {}, err
		}
		bindings[t] = signer
		logger.Info("coin routed to remote signer", slog.String("coin", t.String()), slog.String("target", selector.Select(uint32(t))))
	}
	return bindings, func() { _ = pool.Close() }, nil
}
