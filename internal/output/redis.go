package output

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type redisConfig struct {
	Host           config.StringList `yaml:"host"` // host or host:port entries, tried in order
	Port           int               `yaml:"port"`
	Database       int               `yaml:"database"`
	Password       string            `yaml:"password"`
	Key            string            `yaml:"key"` // list key, RPUSH target
	Timeout        int               `yaml:"timeout"`         // seconds
	ConnectTimeout int               `yaml:"connect_timeout"` // seconds
	MaxWindowSize  int               `yaml:"max_window_size"`
}

// RedisOutput pushes events onto a redis list. The host list is a failover
// chain: the first reachable server wins.
type RedisOutput struct {
	cfg    redisConfig
	log    *logging.Logger
	client *redis.Client
	hosts  []string
}

func newRedisOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var rc redisConfig
	if err := node.Decode(&rc); err != nil {
		return nil, fmt.Errorf("output redis: %w", err)
	}
	if len(rc.Host) == 0 {
		return nil, fmt.Errorf("output redis: host is mandatory")
	}
	if rc.Key == "" {
		return nil, fmt.Errorf("output redis: key is mandatory")
	}
	if rc.Port == 0 {
		rc.Port = 6379
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 10
	}
	if rc.ConnectTimeout <= 0 {
		rc.ConnectTimeout = 10
	}

	hosts := make([]string, 0, len(rc.Host))
	for _, h := range rc.Host {
		if !strings.Contains(h, ":") {
			h = fmt.Sprintf("%s:%d", h, rc.Port)
		}
		hosts = append(hosts, h)
	}

	return &RedisOutput{
		cfg:   rc,
		log:   log.WithComponent("output-redis"),
		hosts: hosts,
	}, nil
}

// Name implements Output.
func (r *RedisOutput) Name() string { return "redis" }

// MaxWindowSize implements Output.
func (r *RedisOutput) MaxWindowSize() int { return r.cfg.MaxWindowSize }

func (r *RedisOutput) connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}
	var lastErr error
	for range r.hosts {
		addr := r.hosts[0]
		r.hosts = append(r.hosts[1:], addr)

		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     r.cfg.Password,
			DB:           r.cfg.Database,
			DialTimeout:  time.Duration(r.cfg.ConnectTimeout) * time.Second,
			ReadTimeout:  time.Duration(r.cfg.Timeout) * time.Second,
			WriteTimeout: time.Duration(r.cfg.Timeout) * time.Second,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			r.log.Error().Err(err).Str("peer", addr).Msg("connect failed")
			lastErr = err
			continue
		}
		r.client = client
		return nil
	}
	return fmt.Errorf("all redis hosts failed: %w", lastErr)
}

// Push implements Output: RPUSH of the JSON documents, one variadic call
// per batch so the list stays in event order.
func (r *RedisOutput) Push(events []*event.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.Timeout)*time.Second)
	defer cancel()

	if err := r.connect(ctx); err != nil {
		return err
	}

	values := make([]interface{}, 0, len(events))
	for _, ev := range events {
		raw, err := encode(ev)
		if err != nil {
			return err
		}
		values = append(values, raw)
	}

	if err := r.client.RPush(ctx, r.cfg.Key, values...).Err(); err != nil {
		r.client.Close()
		r.client = nil
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Close implements Output.
func (r *RedisOutput) Close() error {
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}
