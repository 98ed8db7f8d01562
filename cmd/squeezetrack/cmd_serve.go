package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/cqdev-co/portfolio-sub002/internal/interfaces/http"
)

func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API",
		Long: `Serves signal rows, performance records, outcome summaries,
diagnostics and Prometheus metrics over HTTP. All endpoints are
read-only; reporting and notification collaborators consume them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flagListen)
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (overrides config)")
	return cmd
}

func runServe(listen string) error {
	d, err := buildDeps(false)
	if err != nil {
		return err
	}
	defer d.close()

	serverCfg := httpapi.ServerConfig{
		ListenAddr:   d.cfg.HTTP.ListenAddr,
		ReadTimeout:  d.cfg.HTTP.ReadTimeout,
		WriteTimeout: d.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if listen != "" {
		serverCfg.ListenAddr = listen
	}

	handlers := httpapi.NewHandlers(d.repo, d.ledger, d.health)
	server := httpapi.NewServer(serverCfg, handlers)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
