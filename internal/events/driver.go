package events

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/aventus/onboarding/internal/config"
)

// Bus is a configured publisher plus, for the in-process driver, the
// subscriber side of the same channel.
type Bus struct {
	Publisher  Publisher
	Subscriber message.Subscriber
	Topic      string
}

// Open builds the event bus selected by cfg.Driver: "none", "gochannel" or
// "kafka".
func Open(cfg config.EventsConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	switch cfg.Driver {
	case "", "none":
		return &Bus{Publisher: NopPublisher{}, Topic: topic}, nil

	case "gochannel":
		pubSub := gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            cfg.Buffer,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
			},
			logger,
		)
		return &Bus{
			Publisher:  NewWatermillPublisher(pubSub, topic),
			Subscriber: pubSub,
			Topic:      topic,
		}, nil

	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("events: kafka driver requires brokers")
		}
		saramaConfig := sarama.NewConfig()
		saramaConfig.Producer.Return.Successes = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll

		pub, err := kafka.NewPublisher(
			kafka.PublisherConfig{
				Brokers:               cfg.Brokers,
				Marshaler:             kafka.DefaultMarshaler{},
				OverwriteSaramaConfig: saramaConfig,
				OTELEnabled:           true,
			},
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("events: kafka publisher: %w", err)
		}
		return &Bus{Publisher: NewWatermillPublisher(pub, topic), Topic: topic}, nil

	default:
		return nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}

// Close closes the publisher. The gochannel subscriber shares the publisher's
// instance and is closed with it.
func (b *Bus) Close() error {
	return b.Publisher.Close()
}
