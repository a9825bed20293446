package output

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type amqpConfig struct {
	Host         config.StringList `yaml:"host"`
	Port         int               `yaml:"port"`
	User         string            `yaml:"user"`
	Password     string            `yaml:"password"`
	Vhost        string            `yaml:"vhost"`
	Exchange     string            `yaml:"exchange"`
	ExchangeType string            `yaml:"exchange_type"`
	RoutingKey   string            `yaml:"routing_key"` // empty = event type
	Durable      config.BoolYN     `yaml:"durable"`
	Persistent   config.BoolYN     `yaml:"persistent"` // delivery mode 2
	Timeout      int               `yaml:"timeout"`    // seconds
}

// AMQPOutput publishes events to a RabbitMQ exchange.
type AMQPOutput struct {
	cfg     amqpConfig
	log     *logging.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	hosts   []string
}

func newAMQPOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var ac amqpConfig
	if err := node.Decode(&ac); err != nil {
		return nil, fmt.Errorf("output rabbitmq: %w", err)
	}
	if len(ac.Host) == 0 {
		return nil, fmt.Errorf("output rabbitmq: host is mandatory")
	}
	if ac.Exchange == "" {
		return nil, fmt.Errorf("output rabbitmq: exchange is mandatory")
	}
	if ac.Port == 0 {
		ac.Port = 5672
	}
	if ac.User == "" {
		ac.User = "guest"
	}
	if ac.Password == "" {
		ac.Password = "guest"
	}
	if ac.Vhost == "" {
		ac.Vhost = "/"
	}
	if ac.ExchangeType == "" {
		ac.ExchangeType = "topic"
	}
	if ac.Timeout <= 0 {
		ac.Timeout = 10
	}

	return &AMQPOutput{
		cfg:   ac,
		log:   log.WithComponent("output-rabbitmq"),
		hosts: ac.Host,
	}, nil
}

// Name implements Output.
func (a *AMQPOutput) Name() string { return "rabbitmq" }

// MaxWindowSize implements Output.
func (a *AMQPOutput) MaxWindowSize() int { return 0 }

func (a *AMQPOutput) connect() error {
	if a.channel != nil {
		return nil
	}
	var lastErr error
	for range a.hosts {
		host := a.hosts[0]
		a.hosts = append(a.hosts[1:], host)

		url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
			a.cfg.User, a.cfg.Password, host, a.cfg.Port, a.cfg.Vhost)
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial: amqp.DefaultDial(time.Duration(a.cfg.Timeout) * time.Second),
		})
		if err != nil {
			a.log.Error().Err(err).Str("peer", host).Msg("connect failed")
			lastErr = err
			continue
		}
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		if err := channel.ExchangeDeclare(a.cfg.Exchange, a.cfg.ExchangeType,
			bool(a.cfg.Durable), false, false, false, nil); err != nil {
			conn.Close()
			lastErr = fmt.Errorf("exchange declare: %w", err)
			continue
		}
		a.conn = conn
		a.channel = channel
		return nil
	}
	return fmt.Errorf("all rabbitmq hosts failed: %w", lastErr)
}

func (a *AMQPOutput) drop() {
	if a.channel != nil {
		a.channel.Close()
		a.channel = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// Push implements Output.
func (a *AMQPOutput) Push(events []*event.Event) error {
	if err := a.connect(); err != nil {
		return err
	}

	mode := amqp.Transient
	if bool(a.cfg.Persistent) {
		mode = amqp.Persistent
	}

	for _, ev := range events {
		raw, err := encode(ev)
		if err != nil {
			return err
		}
		key := a.cfg.RoutingKey
		if key == "" {
			key = ev.Type
		}
		err = a.channel.Publish(a.cfg.Exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Body:         raw,
		})
		if err != nil {
			a.drop()
			return fmt.Errorf("amqp publish: %w", err)
		}
	}
	return nil
}

// Close implements Output.
func (a *AMQPOutput) Close() error {
	a.drop()
	return nil
}
