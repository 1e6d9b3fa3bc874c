package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/relay"
)

func publishCmd(flags *globalFlags) *cobra.Command {
	var (
		redisAddr string
		channel   string
		msg       bizsocket.EventMessage
	)

	cmd := &cobra.Command{
		Use:     "publish",
		Short:   "Publish an event on the Redis relay channel",
		Example: `  bizsocket publish --redis 127.0.0.1:6379 --project p1 --topic orders --event order.created --payload '{"id":1}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load("bizsocket-publish", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if redisAddr == "" {
				redisAddr = cfg.Gateway.RedisAddr
			}
			if redisAddr == "" {
				return fmt.Errorf("--redis or gateway.redis_addr is required")
			}
			if channel == "" {
				channel = cfg.Gateway.Channel
			}
			if msg.ProjectID == "" {
				msg.ProjectID = cfg.ProjectID
			}

			client := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer client.Close()

			n, err := relay.Publish(cmd.Context(), client, channel, msg)
			if err != nil {
				return err
			}
			logger.Debug().Str("channel", channel).Int64("receivers", n).Msg("published")
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d relay(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address (overrides gateway.redis_addr)")
	cmd.Flags().StringVar(&channel, "channel", "", "Redis channel (overrides gateway.channel)")
	cmd.Flags().StringVar(&msg.ProjectID, "project", "", "project id (defaults to project_id)")
	cmd.Flags().StringVar(&msg.Topic, "topic", "", "message topic")
	cmd.Flags().StringVar(&msg.Event, "event", "", "event name")
	cmd.Flags().StringVar(&msg.Payload, "payload", "", "message payload")

	return cmd
}
