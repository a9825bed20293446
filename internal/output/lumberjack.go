package output

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/lumberjack"
)

type lumberjackOutConfig struct {
	Host               config.StringList `yaml:"host"`
	Port               int               `yaml:"port"`
	SSLCert            string            `yaml:"ssl_cert"`
	SSLKey             string            `yaml:"ssl_key"`
	SSLCACert          string            `yaml:"ssl_ca_cert"`
	SSLVerify          config.BoolYN     `yaml:"ssl_verify"`
	Timeout            int               `yaml:"timeout"`         // seconds
	ConnectTimeout     int               `yaml:"connect_timeout"` // seconds
	Persistent         *config.BoolYN    `yaml:"persistent"`
	WindowSize         int               `yaml:"window_size"`
	MaxWindowSize      int               `yaml:"max_window_size"`
	ProtocolVersion    int               `yaml:"protocol_version"`
	Compress           config.BoolYN     `yaml:"compress"`
	CompressionWrapper string            `yaml:"compression_wrapper"`
}

// LumberjackOutput ships events to a logstash-compatible lumberjack peer.
type LumberjackOutput struct {
	client *lumberjack.Client
	window int
}

func newLumberjackOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var lc lumberjackOutConfig
	if err := node.Decode(&lc); err != nil {
		return nil, fmt.Errorf("output lumberjack: %w", err)
	}

	persistent := true
	if lc.Persistent != nil {
		persistent = bool(*lc.Persistent)
	}

	client, err := lumberjack.NewClient(lumberjack.ClientConfig{
		Hosts:              lc.Host,
		Port:               lc.Port,
		SSLCert:            lc.SSLCert,
		SSLKey:             lc.SSLKey,
		SSLCACert:          lc.SSLCACert,
		SSLVerify:          bool(lc.SSLVerify),
		Timeout:            time.Duration(lc.Timeout) * time.Second,
		ConnectTimeout:     time.Duration(lc.ConnectTimeout) * time.Second,
		Persistent:         persistent,
		WindowSize:         lc.WindowSize,
		ProtocolVersion:    lc.ProtocolVersion,
		Compress:           bool(lc.Compress),
		CompressionWrapper: lc.CompressionWrapper,
	}, log)
	if err != nil {
		return nil, err
	}

	return &LumberjackOutput{client: client, window: lc.MaxWindowSize}, nil
}

// Name implements Output.
func (l *LumberjackOutput) Name() string { return "lumberjack" }

// MaxWindowSize implements Output.
func (l *LumberjackOutput) MaxWindowSize() int { return l.window }

// Push implements Output. With a batch window configured the events go
// out as one acknowledged batch; otherwise the pipeline hands over one
// event at a time and the connection-wide window applies.
func (l *LumberjackOutput) Push(events []*event.Event) error {
	if l.window > 0 {
		return l.client.Send(events)
	}
	for _, ev := range events {
		if err := l.client.SendOne(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Output.
func (l *LumberjackOutput) Close() error {
	return l.client.Close()
}
