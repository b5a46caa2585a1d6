package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/api"
	"github.com/pinshare/pinshare/internal/config"
	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/gateway/ipfs"
	s3gateway "github.com/pinshare/pinshare/internal/gateway/s3"
	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/identity/firebase"
	"github.com/pinshare/pinshare/internal/identity/local"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
	"github.com/pinshare/pinshare/internal/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PinShare server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("identity", cfg.IdentityProvider),
		zap.String("gateway", cfg.GatewayBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		provider identity.Provider
		verify   http.Handler
	)
	switch cfg.IdentityProvider {
	case config.IdentityLocal:
		logging.Info("connecting to PostgreSQL...")
		store, err := local.Open(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()

		logging.Info("running migrations...")
		if err := store.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}

		mailer := local.NewMailer(local.MailerConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		p := local.New(store, cfg.LocalTokenSecret, cfg.PublicBaseURL, mailer)
		provider, verify = p, p.VerifyHandler()

		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.UpdateConnectionMetrics()
				}
			}
		}()
	default:
		verifier := firebase.NewOIDCVerifier(ctx, cfg.Firebase.ProjectID, "")
		provider = firebase.NewClient(firebase.Config{
			APIKey:    cfg.Firebase.APIKey,
			ProjectID: cfg.Firebase.ProjectID,
			Timeout:   cfg.IdentityTimeout,
		}, verifier)
	}

	var gw gateway.Gateway
	switch cfg.GatewayBackend {
	case config.GatewayS3:
		g, err := s3gateway.New(ctx, s3gateway.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Timeout:   cfg.GatewayTimeout,
		})
		if err != nil {
			logging.Fatal("s3 gateway init failed", zap.Error(err))
		}
		gw = g
	default:
		gw = ipfs.New(ipfs.Config{
			APIURL:        cfg.IPFSAPIURL,
			ProjectID:     cfg.IPFSProjectID,
			ProjectSecret: cfg.IPFSProjectSecret,
			Timeout:       cfg.GatewayTimeout,
		})
	}
	logging.Info("storage gateway initialized", zap.String("gateway", gw.Name()))

	rateLimiter := quota.NewRateLimiter()
	srv := api.NewServer(cfg, provider, gw, rateLimiter, verify)
	srv.Start(ctx)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(time.Hour)
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}
