package output

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/lumberjack"
)

type socketConfig struct {
	Host           config.StringList `yaml:"host"`
	Port           int               `yaml:"port"`
	Timeout        int               `yaml:"timeout"`         // seconds
	ConnectTimeout int               `yaml:"connect_timeout"` // seconds
	Persistent     config.BoolYN     `yaml:"persistent"`
	Send           string            `yaml:"send"`     // event (json, default) or line
	Response       string            `yaml:"response"` // expected reply line, empty = fire and forget
	SSL            config.BoolYN     `yaml:"ssl"`
	SSLCert        string            `yaml:"ssl_cert"`
	SSLKey         string            `yaml:"ssl_key"`
	SSLCACert      string            `yaml:"ssl_ca_cert"`
}

// SocketOutput ships events over a plain TCP (optionally TLS) connection,
// one JSON document or raw line per record, LF-terminated.
type SocketOutput struct {
	cfg    socketConfig
	log    *logging.Logger
	tls    *tls.Config
	conn   net.Conn
	reader *bufio.Reader
	hosts  []string
}

func newSocketOutput(node *yaml.Node, log *logging.Logger) (Output, error) {
	var sc socketConfig
	if err := node.Decode(&sc); err != nil {
		return nil, fmt.Errorf("output socket: %w", err)
	}
	if len(sc.Host) == 0 || sc.Port == 0 {
		return nil, fmt.Errorf("output socket: host and port are mandatory")
	}
	if sc.Timeout <= 0 {
		sc.Timeout = 10
	}
	if sc.ConnectTimeout <= 0 {
		sc.ConnectTimeout = 10
	}
	if sc.Send == "" {
		sc.Send = "event"
	}

	out := &SocketOutput{
		cfg:   sc,
		log:   log.WithComponent("output-socket"),
		hosts: sc.Host,
	}
	if bool(sc.SSL) || sc.SSLCert != "" {
		tlsCfg, err := lumberjack.ClientTLS(sc.SSLCert, sc.SSLKey, sc.SSLCACert, sc.SSLCACert != "")
		if err != nil {
			return nil, err
		}
		out.tls = tlsCfg
	}
	return out, nil
}

// Name implements Output.
func (s *SocketOutput) Name() string { return "socket" }

// MaxWindowSize implements Output.
func (s *SocketOutput) MaxWindowSize() int { return 0 }

func (s *SocketOutput) connect() error {
	if s.conn != nil {
		return nil
	}
	var lastErr error
	for range s.hosts {
		host := s.hosts[0]
		s.hosts = append(s.hosts[1:], host)

		addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)
		conn, err := net.DialTimeout("tcp", addr, time.Duration(s.cfg.ConnectTimeout)*time.Second)
		if err != nil {
			s.log.Error().Err(err).Str("peer", addr).Msg("connect failed")
			lastErr = err
			continue
		}
		if s.tls != nil {
			tconn := tls.Client(conn, s.tls.Clone())
			tconn.SetDeadline(time.Now().Add(time.Duration(s.cfg.ConnectTimeout) * time.Second))
			if err := tconn.Handshake(); err != nil {
				conn.Close()
				lastErr = fmt.Errorf("tls handshake: %w", err)
				continue
			}
			tconn.SetDeadline(time.Time{})
			conn = tconn
		}
		s.conn = conn
		s.reader = bufio.NewReader(conn)
		return nil
	}
	return fmt.Errorf("all socket hosts failed: %w", lastErr)
}

func (s *SocketOutput) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.reader = nil
	}
}

// Push implements Output.
func (s *SocketOutput) Push(events []*event.Event) error {
	if err := s.connect(); err != nil {
		return err
	}
	timeout := time.Duration(s.cfg.Timeout) * time.Second

	for _, ev := range events {
		var payload []byte
		if s.cfg.Send == "line" {
			payload = []byte(ev.Line)
		} else {
			raw, err := encode(ev)
			if err != nil {
				return err
			}
			payload = raw
		}

		s.conn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := s.conn.Write(append(payload, '\n')); err != nil {
			s.drop()
			return fmt.Errorf("socket write: %w", err)
		}

		if s.cfg.Response != "" {
			s.conn.SetReadDeadline(time.Now().Add(timeout))
			reply, err := s.reader.ReadString('\n')
			if err != nil {
				s.drop()
				return fmt.Errorf("socket response: %w", err)
			}
			if strings.TrimRight(reply, "\r\n") != s.cfg.Response {
				s.drop()
				return fmt.Errorf("socket response mismatch: got %q, want %q",
					strings.TrimRight(reply, "\r\n"), s.cfg.Response)
			}
		}
	}

	if !bool(s.cfg.Persistent) {
		s.drop()
	}
	return nil
}

// Close implements Output.
func (s *SocketOutput) Close() error {
	s.drop()
	return nil
}
