package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gulars/tcplink/internal/server"
	"github.com/gulars/tcplink/pkg/config"
	"github.com/gulars/tcplink/pkg/identity"
	"github.com/gulars/tcplink/pkg/logging"
	"github.com/gulars/tcplink/pkg/transport"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)
	slog.SetDefault(bootLogger)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)

	resolver, err := buildResolver(logger, cfg)
	if err != nil {
		logger.Error("Failed to build identity resolver", slog.Any("error", err))
		os.Exit(1)
	}

	tlsConfig, err := buildTLS(cfg)
	if err != nil {
		logger.Error("Failed to load TLS material", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(server.Options{
		Transport: transport.ServerConfig{
			Address:        cfg.Server.Address,
			Delimiter:      []byte(cfg.Server.Delimiter),
			MaxConnections: cfg.Server.MaxConnections,
			TLS:            tlsConfig,
			Logger:         logger,
		},
		Resolver:           resolver,
		SuccessNotice:      cfg.Auth.SuccessNotice,
		UnauthorizedNotice: cfg.Auth.UnauthorizedNotice,
		Keepalive: server.KeepaliveOptions{
			Enabled:  cfg.Keepalive.Enabled,
			Interval: cfg.Keepalive.Interval,
		},
		RateLimit: server.RateLimitOptions{
			Enabled:           cfg.RateLimit.Enabled,
			MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		ConnectionLimit: server.ConnectionLimitOptions{
			MaxPerUser: cfg.Server.ConnectionLimit.MaxPerUser,
			Mode:       cfg.Server.ConnectionLimit.Mode,
		},
		Logger: logger,
	})

	if err := app.Run(ctx); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func buildResolver(logger *slog.Logger, cfg *config.Config) (identity.Resolver, error) {
	if cfg.Auth.Mode == "static" {
		return identity.NewStaticResolver(cfg.Auth.Tokens), nil
	}
	return identity.NewJWTResolver(logger, cfg.Auth.JWTSecret), nil
}

func buildTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	provider := transport.FileCertificate{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile}
	return transport.ServerTLSConfig(provider)
}