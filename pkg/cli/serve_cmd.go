package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"idgov/internal/api"
	"idgov/internal/middleware"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync scheduler",
		Long: `Starts the admin API, re-arms persisted grant timers and keeps them in
step with grants made by other processes. Unless SYNC_SCHEDULER_ENABLED=false
it also runs the periodic log and directory syncs.`,
		Example: `  idgov serve
  idgov serve --listen 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			if listenAddr != "" {
				rt.cfg.ListenAddr = listenAddr
			}
			return serve(cmd.Context(), rt)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Override LISTEN_ADDR")
	return cmd
}

func serve(parent context.Context, rt *runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, logger := rt.cfg, rt.logger

	a, err := rt.newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}

	validator, err := middleware.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	handler := api.NewHandler(a.APIServices(), logger)
	router := api.NewRouter(ctx, handler, api.RouterOptions{
		Validator: validator,
		NameClaim: cfg.Auth.NameClaim,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	tls := cfg.TLSCertFile != ""
	logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "tls", tls,
		"health", fmt.Sprintf("%s://%s/healthz", scheme(tls), displayHost(cfg.ListenAddr)))

	if tls {
		err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func scheme(tls bool) string {
	if tls {
		return "https"
	}
	return "http"
}

// displayHost turns a listen address into something a client can dial.
func displayHost(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
