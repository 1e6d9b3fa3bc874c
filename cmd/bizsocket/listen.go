package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/ws"
)

// parseSubscription splits "topic:event".
func parseSubscription(raw string) (topic, event string, err error) {
	topic, event, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(topic) == "" || strings.TrimSpace(event) == "" {
		return "", "", fmt.Errorf("invalid subscription %q, want topic:event", raw)
	}
	return strings.TrimSpace(topic), strings.TrimSpace(event), nil
}

func listenCmd(flags *globalFlags) *cobra.Command {
	var (
		subscriptions []string
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to a gateway and print events as JSON lines",
		Example: `  bizsocket listen --config client.toml --subscribe orders:order.created
  BIZSOCKET_TOKEN=secret bizsocket listen -s orders:order.created -s invoices:invoice.paid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(subscriptions) == 0 {
				return errors.New("at least one --subscribe topic:event is required")
			}

			cfg, logger, err := flags.load("bizsocket-listen", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			transport := cfg.TransportOptions()
			client := ws.NewClient(ws.Options{
				Base:             cfg.Base,
				ProjectID:        cfg.ProjectID,
				Token:            cfg.Token,
				Transport:        &transport,
				HandshakeTimeout: cfg.HandshakeTimeout,
				SubscribeTimeout: cfg.SubscribeTimeout,
				Logger:           &logger,
				Registerer:       registry,
			})
			defer client.Disconnect()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, raw := range subscriptions {
				topic, event, err := parseSubscription(raw)
				if err != nil {
					return err
				}
				if _, err := client.Subscribe(topic, event, func(msg bizsocket.EventMessage) {
					mu.Lock()
					defer mu.Unlock()
					if err := enc.Encode(msg); err != nil {
						logger.Error().Err(err).Msg("failed to write event")
					}
				}); err != nil {
					return err
				}
			}

			failed := make(chan error, 1)
			fail := func(err error) {
				select {
				case failed <- err:
				default:
				}
			}

			watch := &sessionWatch{reconnect: transport.Reconnection}
			client.OnStateChange(func(state bizsocket.ConnectionState) {
				logger.Info().Str("state", state.String()).Msg("connection state changed")
				if watch.observe(state) {
					fail(errSessionLost)
				}
			})

			if metricsAddr != "" {
				srv := metricsServer(metricsAddr, registry)
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			if err := client.Connect(func(err error) {
				if err != nil {
					fail(fmt.Errorf("connect: %w", err))
				}
			}); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				return nil
			case err := <-failed:
				return err
			}
		},
	}

	cmd.Flags().StringArrayVarP(&subscriptions, "subscribe", "s", nil, "subscription as topic:event (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client metrics on this address")

	return cmd
}

var errSessionLost = errors.New("connection lost and reconnection gave up")

// sessionWatch spots a session that stopped retrying. While the transport
// reconnects a drop goes CONNECTED, DISCONNECTED, CONNECTING; the session only
// falls from CONNECTING back to DISCONNECTED once it released the transport.
// Without reconnection any drop after CONNECTED is final.
type sessionWatch struct {
	reconnect bool
	connected bool
	prev      bizsocket.ConnectionState
}

// observe records state and reports whether the session is gone for good.
func (w *sessionWatch) observe(state bizsocket.ConnectionState) bool {
	prev := w.prev
	w.prev = state

	switch state {
	case bizsocket.StateConnected:
		w.connected = true
	case bizsocket.StateDisconnected:
		if !w.connected {
			return false
		}
		return prev == bizsocket.StateConnecting || !w.reconnect
	}
	return false
}

func metricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}
