package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Watermill adapts a watermill publisher/subscriber pair to the Transport
// interface. Channel keys map directly to watermill topics.
type Watermill struct {
	pub message.Publisher
	sub message.Subscriber
}

var _ Transport = (*Watermill)(nil)

// NewWatermill wraps an existing publisher/subscriber pair.
func NewWatermill(pub message.Publisher, sub message.Subscriber) *Watermill {
	return &Watermill{pub: pub, sub: sub}
}

// NewInProcess builds a loopback transport on watermill's gochannel Pub/Sub.
// Every session sharing the returned transport sees every published event,
// which makes it the backbone for tests and the local demo.
func NewInProcess(logger zerolog.Logger) *Watermill {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(logger))
	return &Watermill{pub: pubsub, sub: pubsub}
}

func (t *Watermill) Subscribe(ctx context.Context, key string) (<-chan *message.Message, error) {
	ch, err := t.sub.Subscribe(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", key)
	}
	return ch, nil
}

func (t *Watermill) Publish(key string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := t.pub.Publish(key, msg); err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	return nil
}

func (t *Watermill) Close() error {
	if err := t.pub.Close(); err != nil {
		return errors.Wrap(err, "close publisher")
	}
	if err := t.sub.Close(); err != nil {
		return errors.Wrap(err, "close subscriber")
	}
	return nil
}
