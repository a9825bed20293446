package output

import (
	"bytes"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type elasticsearchConfig struct {
	Addresses     config.StringList `yaml:"addresses"`
	Index         string            `yaml:"index"`
	Username      string            `yaml:"username"`
	Password      string            `yaml:"password"`
	APIKey        string            `yaml:"api_key"`
	MaxWindowSize int               `yaml:"max_window_size"`
}

// ElasticsearchOutput bulk-indexes events.
type ElasticsearchOutput struct {
	cfg    elasticsearchConfig
	log    *logging.Logger
	client *elasticsearch.Client
}

func newElasticsearchOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var ec elasticsearchConfig
	if err := node.Decode(&ec); err != nil {
		return nil, fmt.Errorf("output elasticsearch: %w", err)
	}
	if len(ec.Addresses) == 0 {
		return nil, fmt.Errorf("output elasticsearch: addresses are mandatory")
	}
	if ec.Index == "" {
		return nil, fmt.Errorf("output elasticsearch: index is mandatory")
	}
	if ec.MaxWindowSize == 0 {
		ec.MaxWindowSize = 100
	}

	return &ElasticsearchOutput{
		cfg: ec,
		log: log.WithComponent("output-elasticsearch"),
	}, nil
}

// Name implements Output.
func (e *ElasticsearchOutput) Name() string { return "elasticsearch" }

// MaxWindowSize implements Output.
func (e *ElasticsearchOutput) MaxWindowSize() int { return e.cfg.MaxWindowSize }

func (e *ElasticsearchOutput) connect() error {
	if e.client != nil {
		return nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: e.cfg.Addresses,
		Username:  e.cfg.Username,
		Password:  e.cfg.Password,
		APIKey:    e.cfg.APIKey,
	})
	if err != nil {
		return fmt.Errorf("output elasticsearch: %w", err)
	}
	e.client = client
	return nil
}

// Push implements Output: one bulk request per batch, index actions only.
func (e *ElasticsearchOutput) Push(events []*event.Event) error {
	if err := e.connect(); err != nil {
		return err
	}

	var body bytes.Buffer
	for _, ev := range events {
		raw, err := encode(ev)
		if err != nil {
			return err
		}
		body.WriteString(`{"index":{}}`)
		body.WriteByte('\n')
		body.Write(raw)
		body.WriteByte('\n')
	}

	res, err := e.client.Bulk(bytes.NewReader(body.Bytes()),
		e.client.Bulk.WithIndex(e.cfg.Index))
	if err != nil {
		e.client = nil
		return fmt.Errorf("elasticsearch bulk: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.IsError() {
		return fmt.Errorf("elasticsearch bulk: %s", res.Status())
	}
	return nil
}

// Close implements Output.
func (e *ElasticsearchOutput) Close() error {
	e.client = nil
	return nil
}
