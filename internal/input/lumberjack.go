package input

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/lumberjack"
)

type lumberjackConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	SSLCert            string `yaml:"ssl_cert"`
	SSLKey             string `yaml:"ssl_key"`
	SSLCACert          string `yaml:"ssl_ca_cert"`
	CompressionWrapper string `yaml:"compression_wrapper"`
	RateLimit          int    `yaml:"rate_limit"`
	BufferSize         int    `yaml:"buffer_size"`
}

// LumberjackInput receives events over the lumberjack protocol.
type LumberjackInput struct {
	server *lumberjack.Server
}

func newLumberjackSet(d Descriptor, node *yaml.Node, _ Globals, log *logging.Logger) (*Set, error) {
	var lc lumberjackConfig
	if err := node.Decode(&lc); err != nil {
		return nil, fmt.Errorf("input lumberjack: %w", err)
	}

	server, err := lumberjack.NewServer(lumberjack.ServerConfig{
		Host:               lc.Host,
		Port:               lc.Port,
		SSLCert:            lc.SSLCert,
		SSLKey:             lc.SSLKey,
		SSLCACert:          lc.SSLCACert,
		CompressionWrapper: lc.CompressionWrapper,
		RateLimit:          lc.RateLimit,
		BufferSize:         lc.BufferSize,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := server.Listen(); err != nil {
		return nil, err
	}

	return &Set{
		Descriptor: d,
		Inputs:     []Input{&LumberjackInput{server: server}},
	}, nil
}

// Name implements Input.
func (l *LumberjackInput) Name() string { return "lumberjack" }

// Pull implements Input: it drains up to lines decoded events without
// blocking. The server acknowledges at the protocol level; there is no
// offset to commit.
func (l *LumberjackInput) Pull(lines int) ([]Record, error) {
	var out []Record
	for len(out) < lines {
		select {
		case ev, ok := <-l.server.Events():
			if !ok {
				return nil, fmt.Errorf("lumberjack server closed")
			}
			out = append(out, Record{Event: ev})
		default:
			return out, nil
		}
	}
	return out, nil
}

// Commit implements Input; network inputs have no position.
func (l *LumberjackInput) Commit() error { return nil }

// Close implements Input.
func (l *LumberjackInput) Close() error {
	return l.server.Close()
}
