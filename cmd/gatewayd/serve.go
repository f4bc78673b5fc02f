package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadflux/gatewayd/internal/auth"
	"github.com/threadflux/gatewayd/internal/config"
	"github.com/threadflux/gatewayd/internal/controlapi"
	"github.com/threadflux/gatewayd/internal/logging"
	"github.com/threadflux/gatewayd/internal/metrics"
	"github.com/threadflux/gatewayd/internal/observability"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/refresh"
	"github.com/threadflux/gatewayd/internal/registry"
	"github.com/threadflux/gatewayd/internal/socks5"
)

func serveCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Long:  "Run the SOCKS5 ingress listener, the refresh/validate worker, and the HTTP control API together",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Logging.Level)
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
			}

			reg, err := registry.Load(cfg.Backends)
			if err != nil {
				return fmt.Errorf("load backend registry: %w", err)
			}

			p := pool.New(reg)
			worker := refresh.New(p, cfg.Refresh)

			socksAddr := fmt.Sprintf("%s:%d", cfg.SOCKSHost, cfg.SOCKSPort)
			socksServer := socks5.New(p, worker)
			if err := socksServer.Listen(socksAddr); err != nil {
				return fmt.Errorf("listen socks5 %s: %w", socksAddr, err)
			}
			ingressAddr := fmt.Sprintf("socks5://%s", socksAddr)
			p.SetIngressAddr(ingressAddr)

			if cfg.APISecretToken == "" {
				token, err := generateAPISecretToken()
				if err != nil {
					return fmt.Errorf("generate api secret token: %w", err)
				}
				cfg.APISecretToken = token
				logging.Op().Info("generated control API bearer token", "api_secret_token", token)
			}

			verifier := auth.NewVerifier(cfg.APISecretToken)
			apiHandler := controlapi.NewHandler(p, worker, verifier, ingressAddr)
			apiServer := &http.Server{
				Addr:    cfg.APIAddr,
				Handler: controlapi.NewServer(apiHandler),
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 2)
			go func() {
				logging.Op().Info("socks5 ingress listening", "addr", socksAddr, "backends", reg.Len())
				if err := socksServer.Serve(ctx); err != nil {
					errCh <- fmt.Errorf("socks5 server: %w", err)
				}
			}()
			go func() {
				logging.Op().Info("control api listening", "addr", cfg.APIAddr)
				if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("control api server: %w", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("control api shutdown error", "error", err)
				}

				// Give in-flight refresh/validate runs a chance to finish
				// and readmit their backends before the process exits.
				worker.Wait()
				return nil
			case err := <-errCh:
				cancel()
				return err
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

// generateAPISecretToken produces a random hex bearer token for
// deployments that don't set API_SECRET_TOKEN, so the control API
// never runs with an empty, effectively open bearer check.
func generateAPISecretToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
