package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

const (
	metaCorrelationID = "correlation_id"
	metaReplyTo       = "reply_to"
)

// WatermillBus satisfies Bus using Watermill publishers/subscribers.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewWatermillInMemBus returns a Watermill-based, in-memory bus.
func NewWatermillInMemBus() *WatermillBus {
	logger := watermill.NewStdLogger(false, false)
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 100}, logger)
	return &WatermillBus{publisher: ps, subscriber: ps}
}

// NewWatermillNATSBus returns a NATS-Streaming-backed bus.
func NewWatermillNATSBus(clusterID, clientID, url string) (*WatermillBus, error) {
	logger := watermill.NewStdLogger(false, false)
	pub, err := nats.NewStreamingPublisher(nats.StreamingPublisherConfig{
		ClusterID: clusterID,
		ClientID:  clientID + "-pub",
		StanOptions: []stan.Option{
			stan.NatsURL(url),
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	sub, err := nats.NewStreamingSubscriber(nats.StreamingSubscriberConfig{
		ClusterID: clusterID,
		ClientID:  clientID + "-sub",
		StanOptions: []stan.Option{
			stan.NatsURL(url),
		},
		CloseTimeout:   30 * time.Second,
		AckWaitTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("nats subscriber: %w", err)
	}
	return &WatermillBus{publisher: pub, subscriber: sub}, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

func (b *WatermillBus) Publish(topic string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	return b.publisher.Publish(topic, msg)
}

func (b *WatermillBus) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	ch, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			handler(msg.Payload)
			msg.Ack()
		}
	}()
	return nil
}

// Request implements request/reply over plain pub/sub: the caller listens on
// a private reply topic and correlates by message metadata.
func (b *WatermillBus) Request(ctx context.Context, topic string, payload any) ([]byte, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	corrID := watermill.NewUUID()
	replyTopic := "reply." + corrID

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies, err := b.subscriber.Subscribe(subCtx, replyTopic)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(metaCorrelationID, corrID)
	msg.Metadata.Set(metaReplyTo, replyTopic)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case reply, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("reply channel closed for %s", topic)
			}
			reply.Ack()
			if reply.Metadata.Get(metaCorrelationID) != corrID {
				continue
			}
			return reply.Payload, nil
		}
	}
}

func (b *WatermillBus) Reply(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) []byte) error {
	ch, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			replyTo := msg.Metadata.Get(metaReplyTo)
			resp := handler(ctx, msg.Payload)
			msg.Ack()
			if replyTo == "" {
				continue
			}
			reply := message.NewMessage(watermill.NewUUID(), resp)
			reply.Metadata.Set(metaCorrelationID, msg.Metadata.Get(metaCorrelationID))
			if err := b.publisher.Publish(replyTo, reply); err != nil {
				// The requester will time out; nothing else to do here.
				continue
			}
		}
	}()
	return nil
}

func (b *WatermillBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if closer, ok := b.subscriber.(interface{ Close() error }); ok {
		// gochannel shares one pubsub for both ends; closing twice is safe.
		return closer.Close()
	}
	return nil
}
