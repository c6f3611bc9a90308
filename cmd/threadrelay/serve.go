package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/threadrelay/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener",
		Long: `Listens for chat-provider webhook posts on /discord and /discord/ingest,
normalizes each payload, appends it to the event log, and ingests it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
				return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			server := httpapi.NewServerWithConfig(a.pipeline, httpapi.ServerConfig{
				EventLogPath:  cfg.Server.EventLog,
				MaxBodyBytes:  cfg.Server.MaxBodyBytes,
				RateLimit:     cfg.Server.RateLimit,
				RateBurst:     cfg.Server.Burst,
				IngestTimeout: cfg.Ingest.Timeout,
			})

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), map[string]any{
				"ok":        true,
				"listening": true,
				"host":      cfg.Server.Host,
				"port":      cfg.Server.Port,
				"endpoint":  "http://" + addr + "/discord",
			}); err != nil {
				_ = listener.Close()
				return err
			}
			return serveUntilDone(cmd.Context(), listener, server)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	return cmd
}

func serveUntilDone(ctx context.Context, listener net.Listener, handler http.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	log.Info().Str("addr", listener.Addr().String()).Msg("threadrelay listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
