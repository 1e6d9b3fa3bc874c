// Package relay feeds a gateway from a Redis pub/sub channel.
//
// Producers PUBLISH a JSON EventMessage on the channel; every gateway node
// running a Relay forwards it to its own peers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/bizsocket"
)

// DefaultChannel is used when Config.Channel is empty.
const DefaultChannel = "bizsocket:events"

// Publisher receives the decoded messages. *websocket.Gateway implements it.
type Publisher interface {
	Publish(ctx context.Context, msg bizsocket.EventMessage) error
}

type Config struct {
	Channel string
	Logger  *zerolog.Logger
}

// Relay subscribes to one channel and republishes what it receives.
type Relay struct {
	client    *redis.Client
	publisher Publisher
	channel   string
	log       zerolog.Logger
}

func New(client *redis.Client, publisher Publisher, cfg Config) *Relay {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Relay{
		client:    client,
		publisher: publisher,
		channel:   channel,
		log:       logger.With().Str("component", "relay").Str("channel", channel).Logger(),
	}
}

// Channel returns the Redis channel the relay listens on.
func (r *Relay) Channel() string {
	return r.channel
}

// Run blocks until ctx is done or the subscription breaks.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.log.Info().Msg("relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay: subscription closed")
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	msg, err := bizsocket.ParseEventMessage([]byte(payload))
	if err != nil {
		r.log.Warn().Err(err).Msg("skipping invalid payload")
		return
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.log.Warn().Err(err).
			Str("project_id", msg.ProjectID).
			Str("event", msg.Event).
			Msg("publish failed")
	}
}

// Publish encodes msg and publishes it on channel. It returns the number of
// subscribers that received it.
func Publish(ctx context.Context, client redis.Cmdable, channel string, msg bizsocket.EventMessage) (int64, error) {
	if msg.ProjectID == "" || msg.Event == "" {
		return 0, fmt.Errorf("%w: projectId and event are required", bizsocket.ErrInvalidMessage)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	n, err := client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return n, nil
}
