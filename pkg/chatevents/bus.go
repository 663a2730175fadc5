package chatevents

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/redisstream"
)

type subscribeFunc func(ctx context.Context, topic string) (<-chan *message.Message, error)

// Bus carries chat events over watermill, either in-process (gochannel) or
// across processes via Redis Streams.
type Bus struct {
	pub       message.Publisher
	subscribe subscribeFunc
	closers   []func() error
	logger    zerolog.Logger
}

var (
	_ Publisher  = &Bus{}
	_ Subscriber = &Bus{}
)

func NewInProcessBus() *Bus {
	logger := log.With().Str("component", "chatevents").Logger()
	// Blocking until ack keeps per-owner delivery in publish order.
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, redisstream.NewWatermillLogger(log.Logger))
	return &Bus{
		pub:       gc,
		subscribe: gc.Subscribe,
		closers:   []func() error{gc.Close},
		logger:    logger,
	}
}

// NewRedisBus publishes to one stream per owner. Every Subscribe call gets its
// own consumer group created at the stream tail, so each websocket sees every
// event from the moment it attached.
func NewRedisBus(ctx context.Context, s redisstream.Settings) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "chatevents").Str("redis_addr", s.Addr).Logger()
	wmLogger := redisstream.NewWatermillLogger(log.Logger)

	client := redisstream.NewClient(s)
	if err := redisstream.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(client, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	b := &Bus{
		pub:     pub,
		closers: []func() error{pub.Close, client.Close},
		logger:  logger,
	}
	b.subscribe = func(ctx context.Context, topic string) (<-chan *message.Message, error) {
		return subscribeRedis(ctx, client, s, topic, wmLogger)
	}
	return b, nil
}

func subscribeRedis(ctx context.Context, client redis.UniversalClient, s redisstream.Settings, topic string, wmLogger watermill.LoggerAdapter) (<-chan *message.Message, error) {
	group := s.Group + "-" + watermill.NewShortUUID()
	if err := redisstream.EnsureGroupAtTail(ctx, client, topic, group); err != nil {
		return nil, err
	}
	sub, err := redisstream.BuildGroupSubscriber(client, group, s.Consumer, wmLogger)
	if err != nil {
		return nil, err
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
		if err := redisstream.DestroyGroup(context.WithoutCancel(ctx), client, topic, group); err != nil {
			log.Debug().Err(err).Str("component", "chatevents").Str("group", group).Msg("destroy consumer group failed")
		}
	}()
	return ch, nil
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal chat event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.SetContext(ctx)
	if err := b.pub.Publish(Topic(ev.OwnerID), msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}

// Subscribe streams the owner's events until ctx is done. Undecodable messages
// are acked and skipped.
func (b *Bus) Subscribe(ctx context.Context, ownerID string) (<-chan Event, error) {
	if b == nil || b.subscribe == nil {
		return nil, errors.New("chatevents: bus not initialized")
	}
	msgs, err := b.subscribe(ctx, Topic(ownerID))
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("drop undecodable chat event")
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
