package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/config"
	"github.com/luciancaetano/bizsocket/internal/metrics"
	"github.com/luciancaetano/bizsocket/internal/relay"
	"github.com/luciancaetano/bizsocket/ws"
)

// newGateway builds the gateway described by cfg. Its metrics register on reg.
func newGateway(cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) *ws.Gateway {
	rateLimit := cfg.RateLimitOptions()
	if rateLimit == nil {
		rateLimit = ws.NoRateLimit()
	}

	return ws.NewGateway(&ws.GatewayConfig{
		Addr:            cfg.Gateway.Addr,
		RateLimitConfig: rateLimit,
		CheckOrigin:     ws.AllOrigins(),
		Authenticator:   ws.TokenAuthenticator(cfg.Gateway.Projects),
		OnConnect: func(peer bizsocket.Peer) {
			logger.Debug().Str("peer", peer.ID()).Str("remote", peer.RemoteAddr()).Msg("peer connected")
		},
		OnDisconnect: func(peer bizsocket.Peer, voluntary bool) {
			logger.Debug().Str("peer", peer.ID()).Bool("voluntary", voluntary).Msg("peer disconnected")
		},
		Logger:   &logger,
		Metrics:  metrics.NewGateway(metrics.WithRegistry(reg)),
		Gatherer: reg,
	})
}

func gatewayCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the reference gateway",
		Long: `Run the reference gateway.

Routes: GET /ws (websocket), GET /healthz, GET /metrics.
When gateway.redis_addr is set, events published on gateway.channel are
forwarded to subscribed peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load("bizsocket-gateway", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			if err := cfg.ValidateGateway(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gateway := newGateway(cfg, logger, prometheus.NewRegistry())
			if err := gateway.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := gateway.Stop(stopCtx); err != nil {
					logger.Warn().Err(err).Msg("gateway shutdown failed")
				}
			}()

			if cfg.Gateway.RedisAddr == "" {
				<-ctx.Done()
				return nil
			}

			client := redis.NewClient(&redis.Options{Addr: cfg.Gateway.RedisAddr})
			defer client.Close()

			r := relay.New(client, gateway, relay.Config{Channel: cfg.Gateway.Channel, Logger: &logger})
			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides gateway.addr)")

	return cmd
}
