package lumberjack

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
)

// ErrAckMismatch fails a send whose acknowledgement does not carry the
// last sent sequence.
var ErrAckMismatch = errors.New("lumberjack ack sequence mismatch")

// writeChunkSize bounds a single write syscall.
const writeChunkSize = 16 * 1024

// Connect throttling: after this many consecutive failures the client
// sleeps before the next attempt.
const (
	failuresBeforeShortHold = 10
	failuresBeforeLongHold  = 50
	shortHold               = 60 * time.Second
	longHold                = 600 * time.Second
)

// ClientConfig holds the transport settings of one lumberjack peer.
type ClientConfig struct {
	Hosts              []string
	Port               int
	SSLCert            string
	SSLKey             string
	SSLCACert          string
	SSLVerify          bool
	Timeout            time.Duration // per send
	ConnectTimeout     time.Duration
	Persistent         bool
	WindowSize         int
	ProtocolVersion    int // 1 or 2
	Compress           bool
	CompressionWrapper string // zlib (default) or raw
}

// Client is a lumberjack sender: framed, sequenced, windowed, compressed,
// TLS-wrapped ordered delivery with explicit acknowledgements.
type Client struct {
	cfg   ClientConfig
	log   *logging.Logger
	stats *metrics.Collector
	tls   *tls.Config

	conn      net.Conn
	peer      string
	seq       uint32
	lastAck   uint32
	failures  int
	announced bool // W sent on the current connection (single-event mode)
}

// NewClient validates the configuration and prepares the TLS material.
// No connection is made until the first send.
func NewClient(cfg ClientConfig, log *logging.Logger) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("lumberjack client needs at least one host")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("lumberjack client needs a port")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = 1
	}
	if cfg.ProtocolVersion != 1 && cfg.ProtocolVersion != 2 {
		return nil, fmt.Errorf("unsupported lumberjack protocol version %d", cfg.ProtocolVersion)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	tlsCfg, err := ClientTLS(cfg.SSLCert, cfg.SSLKey, cfg.SSLCACert, cfg.SSLVerify)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:   cfg,
		log:   log.WithComponent("lumberjack-client"),
		stats: metrics.Default(),
		tls:   tlsCfg,
	}, nil
}

// LastAck returns the highest acknowledged sequence.
func (c *Client) LastAck() uint32 { return c.lastAck }

// Sequence returns the last assigned sequence.
func (c *Client) Sequence() uint32 { return c.seq }

// connect reuses a live persistent connection or dials the host list in
// order, rotating on each failed attempt. Repeated failure is throttled.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	if c.failures > failuresBeforeLongHold {
		c.log.Warn().Int("failures", c.failures).Msg("connect hold, sleeping 600s")
		time.Sleep(longHold)
	} else if c.failures > failuresBeforeShortHold {
		c.log.Warn().Int("failures", c.failures).Msg("connect hold, sleeping 60s")
		time.Sleep(shortHold)
	}

	var lastErr error
	for range c.cfg.Hosts {
		host := c.cfg.Hosts[0]
		addr := fmt.Sprintf("%s:%d", host, c.cfg.Port)
		conn, err := c.dial(addr)
		if err != nil {
			// rotate so the next attempt starts at the next host
			c.cfg.Hosts = append(c.cfg.Hosts[1:], host)
			c.stats.LumberjackConnects.WithLabelValues(addr, "error").Inc()
			c.log.Error().Err(err).Str("peer", addr).Msg("connect failed")
			lastErr = err
			continue
		}
		c.stats.LumberjackConnects.WithLabelValues(addr, "ok").Inc()
		c.conn = conn
		c.peer = addr
		c.failures = 0
		c.announced = false
		c.lastAck = c.seq
		c.log.Info().Str("peer", addr).Msg("connected")
		return nil
	}

	c.failures++
	return fmt.Errorf("all lumberjack hosts failed: %w", lastErr)
}

func (c *Client) dial(addr string) (net.Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, c.tls.Clone())
	conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// drop discards the connection after a failed send.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.drop()
	return nil
}

// Send ships a batch: one W frame announcing the batch length, the
// (optionally compressed) data frames, then a blocking wait for the single
// ack that carries the last sent sequence. Batches of one are valid.
func (c *Client) Send(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := c.connect(); err != nil {
		return err
	}
	if err := c.sendBatch(events); err != nil {
		c.drop()
		return err
	}
	if !c.cfg.Persistent {
		c.drop()
	}
	return nil
}

// SendOne ships a single event under the connection-wide window announced
// at connect time. It blocks for an ack only when the window is exhausted.
// Callers must not mix SendOne and Send on one client: the ack cadences
// differ and the connection state would diverge from the peer's.
func (c *Client) SendOne(ev *event.Event) error {
	if err := c.connect(); err != nil {
		return err
	}
	if err := c.sendSingle(ev); err != nil {
		c.drop()
		return err
	}
	if !c.cfg.Persistent {
		c.drop()
	}
	return nil
}

func (c *Client) sendSingle(ev *event.Event) error {
	var buf []byte
	if !c.announced {
		buf = AppendWindow(buf, byte(c.cfg.ProtocolVersion), uint32(c.cfg.WindowSize))
		c.announced = true
	}

	c.seq = NextSequence(c.seq)
	buf, err := c.appendEvent(buf, c.seq, ev)
	if err != nil {
		return err
	}
	if err := c.write(buf); err != nil {
		return err
	}

	// Block for an ack only once the window is exhausted.
	if c.seq-c.lastAck >= uint32(c.cfg.WindowSize) {
		c.stats.LumberjackAckWaits.WithLabelValues(c.peer).Inc()
		ack, err := c.readAck()
		if err != nil {
			return err
		}
		if ack != c.seq {
			return fmt.Errorf("%w: got %d, want %d", ErrAckMismatch, ack, c.seq)
		}
		c.lastAck = ack
	}
	return nil
}

func (c *Client) sendBatch(events []*event.Event) error {
	version := byte(c.cfg.ProtocolVersion)
	buf := AppendWindow(nil, version, uint32(len(events)))

	var body []byte
	var err error
	for _, ev := range events {
		c.seq = NextSequence(c.seq)
		body, err = c.appendEvent(body, c.seq, ev)
		if err != nil {
			return err
		}
	}

	if c.cfg.Compress {
		buf, err = AppendCompressed(buf, version, body, c.cfg.CompressionWrapper)
		if err != nil {
			return err
		}
	} else {
		buf = append(buf, body...)
	}

	if err := c.write(buf); err != nil {
		return err
	}

	ack, err := c.readAck()
	if err != nil {
		return err
	}
	if ack != c.seq {
		return fmt.Errorf("%w: got %d, want %d", ErrAckMismatch, ack, c.seq)
	}
	c.lastAck = ack
	return nil
}

func (c *Client) appendEvent(dst []byte, seq uint32, ev *event.Event) ([]byte, error) {
	if c.cfg.ProtocolVersion == 2 {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		return AppendJSONData(dst, seq, payload), nil
	}
	return AppendData(dst, seq, ev.WireFields()), nil
}

// write pushes the buffer out in chunks of at most 16 KiB per syscall,
// under the send timeout.
func (c *Client) write(buf []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	for len(buf) > 0 {
		n := len(buf)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		written, err := c.conn.Write(buf[:n])
		if err != nil {
			return fmt.Errorf("write to %s: %w", c.peer, err)
		}
		buf = buf[written:]
	}
	return nil
}

// readAck reads a single A frame under the send timeout.
func (c *Client) readAck() (uint32, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var frame [6]byte
	if _, err := io.ReadFull(c.conn, frame[:]); err != nil {
		return 0, fmt.Errorf("read ack from %s: %w", c.peer, err)
	}
	if (frame[0] != '1' && frame[0] != '2') || frame[1] != codeAck {
		return 0, fmt.Errorf("%w: %q%q", ErrBadHeader, frame[0], frame[1])
	}
	return binary.BigEndian.Uint32(frame[2:]), nil
}
