// Package bus publishes transcript changes on a watermill topic per session,
// in-process by default or over Redis Streams so other processes can follow a
// conversation.
package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/logging"
	"github.com/go-go-golems/kbchat/pkg/reconciler"
)

const (
	topicPrefix  = "kbchat.transcript."
	changeBuffer = 256
)

// Settings selects the transport. With Enabled false an in-process channel is used.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr"`
	Group    string `mapstructure:"redis-group"`
	Consumer string `mapstructure:"redis-consumer"`
}

// Topic is the stream that carries changes of one session.
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	// inProcess is set when publisher and subscriber are the same gochannel.
	inProcess bool
	client    *redis.Client
	settings  Settings
}

func New(s Settings) (*Bus, error) {
	logger := logging.NewWatermill(log.Logger)
	if !s.Enabled {
		// Blocking until ack keeps in-process delivery in publish order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            changeBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{publisher: ch, subscriber: ch, inProcess: true, settings: s}, nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("bus: redis address is empty")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "bus: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "bus: redis subscriber")
	}
	return &Bus{publisher: pub, subscriber: sub, client: client, settings: s}, nil
}

// PublishChange writes c to its session topic.
func (b *Bus) PublishChange(c reconciler.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "bus: marshal change")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", c.SessionID)
	msg.Metadata.Set("reason", string(c.Reason))
	if err := b.publisher.Publish(Topic(c.SessionID), msg); err != nil {
		return errors.Wrapf(err, "bus: publish to %s", Topic(c.SessionID))
	}
	return nil
}

// Listener adapts the bus to reconciler.WithListener. Publish failures are
// logged and do not affect the transcript.
func (b *Bus) Listener() reconciler.Listener {
	return func(c reconciler.Change) {
		if err := b.PublishChange(c); err != nil {
			log.Warn().Err(err).Str("component", "bus").Str("session_id", c.SessionID).Uint64("seq", c.Seq).Msg("failed to publish change")
		}
	}
}

// Subscribe streams the changes of one session until ctx ends. Undecodable
// messages are acked and skipped.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan reconciler.Change, error) {
	if b.client != nil && b.settings.Group != "" {
		if err := EnsureGroupAtTail(ctx, b.client, Topic(sessionID), b.settings.Group); err != nil {
			return nil, err
		}
	}
	msgs, err := b.subscriber.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, errors.Wrapf(err, "bus: subscribe to %s", Topic(sessionID))
	}
	out := make(chan reconciler.Change, changeBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var c reconciler.Change
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				log.Warn().Err(err).Str("component", "bus").Str("message_uuid", msg.UUID).Msg("dropping undecodable change")
				msg.Ack()
				continue
			}
			select {
			case out <- c:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	var firstErr error
	if err := b.publisher.Close(); err != nil {
		firstErr = err
	}
	if !b.inProcess {
		if err := b.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group at the stream tail so a new
// follower does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "bus: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "bus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
