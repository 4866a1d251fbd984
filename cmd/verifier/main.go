package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/changerawr/domains/internal/config"
	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/registry/handler"
	"github.com/changerawr/domains/internal/verifierrpc"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("verifier exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	grpcPort := cfg.Verifier.GRPCPort
	httpPort := cfg.Verifier.HTTPPort

	// ── Verification engine ───────────────────────────────────────────────────
	resolver, err := internaldns.NewResolver(cfg.DNS.Nameservers, cfg.DNS.Timeout)
	if err != nil {
		return fmt.Errorf("dns resolver: %w", err)
	}
	prober := internaldns.NewHTTPProber(cfg.Probe.Timeout)

	if cfg.Domains.SkipTXTVerify {
		logger.Warn("TXT verification disabled; do not use in production")
	}
	engine := internaldns.NewVerifier(resolver, prober, logger, internaldns.WithTXTBypass(cfg.Domains.SkipTXTVerify))
	engine.SetCheckRecorder(handler.RecordDomainCheck)

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(verifierrpc.LoggingInterceptor(logger)),
	)
	healthSvc := verifierrpc.Register(grpcServer, verifierrpc.NewServer(engine, logger))

	// gRPC reflection (for grpcurl and Evans)
	reflection.Register(grpcServer)

	// ── HTTP: health + metrics ────────────────────────────────────────────────
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","service":"verifier"}`)
	})
	httpMux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Start both servers ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("verifier gRPC listening",
			zap.Int("port", grpcPort),
			zap.Strings("nameservers", cfg.DNS.Nameservers),
		)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("verifier HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down verifier...")
	healthSvc.SetServingStatus(verifierrpc.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}

	logger.Info("verifier stopped")
	return nil
}
