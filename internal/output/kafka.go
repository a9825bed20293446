package output

import (
	"fmt"

	"github.com/IBM/sarama"
	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type kafkaConfig struct {
	Brokers          config.StringList `yaml:"brokers"`
	Topic            string            `yaml:"topic"`
	RequiredAcks     int16             `yaml:"required_acks"`
	CompressionCodec string            `yaml:"compression_codec"`
	ClientID         string            `yaml:"client_id"`
	MaxWindowSize    int               `yaml:"max_window_size"`
}

// KafkaOutput ships events to a Kafka topic with a synchronous producer,
// keyed by event type so one routing key stays in partition order.
type KafkaOutput struct {
	cfg      kafkaConfig
	log      *logging.Logger
	producer sarama.SyncProducer
}

func newKafkaOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var kc kafkaConfig
	if err := node.Decode(&kc); err != nil {
		return nil, fmt.Errorf("output kafka: %w", err)
	}
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("output kafka: brokers are mandatory")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("output kafka: topic is mandatory")
	}
	if kc.RequiredAcks == 0 {
		kc.RequiredAcks = 1
	}
	if kc.ClientID == "" {
		kc.ClientID = "awesant"
	}

	return &KafkaOutput{
		cfg: kc,
		log: log.WithComponent("output-kafka"),
	}, nil
}

// Name implements Output.
func (k *KafkaOutput) Name() string { return "kafka" }

// MaxWindowSize implements Output.
func (k *KafkaOutput) MaxWindowSize() int { return k.cfg.MaxWindowSize }

func (k *KafkaOutput) connect() error {
	if k.producer != nil {
		return nil
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(k.cfg.RequiredAcks)
	saramaConfig.ClientID = k.cfg.ClientID

	switch k.cfg.CompressionCodec {
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		return fmt.Errorf("output kafka: unknown compression codec %q", k.cfg.CompressionCodec)
	}

	producer, err := sarama.NewSyncProducer(k.cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("output kafka: %w", err)
	}
	k.producer = producer
	return nil
}

// Push implements Output.
func (k *KafkaOutput) Push(events []*event.Event) error {
	if err := k.connect(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		raw, err := encode(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.cfg.Topic,
			Key:   sarama.StringEncoder(ev.Type),
			Value: sarama.ByteEncoder(raw),
		})
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		k.producer.Close()
		k.producer = nil
		return fmt.Errorf("kafka send: %w", err)
	}
	return nil
}

// Close implements Output.
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		err := k.producer.Close()
		k.producer = nil
		return err
	}
	return nil
}
