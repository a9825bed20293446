package lumberjack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
)

// ErrSequenceGap is fatal to a connection: after the first accepted frame,
// sequences must be monotonic and gap-free.
var ErrSequenceGap = errors.New("lumberjack sequence gap")

// readPassDeadline bounds one decode pass; a connection silent for longer
// is considered dead and closed, the client reconnects.
const readPassDeadline = 30 * time.Second

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host               string
	Port               int
	SSLCert            string
	SSLKey             string
	SSLCACert          string
	CompressionWrapper string // zlib (default) or raw
	RateLimit          int    // events/sec per connection, 0 = unlimited
	BufferSize         int    // decoded event queue
}

// Server accepts TLS lumberjack connections, decodes frames, emits acks
// per announced window and delivers events to a queue the input pulls from.
type Server struct {
	cfg    ServerConfig
	log    *logging.Logger
	stats  *metrics.Collector
	ln     net.Listener
	bind   string
	events chan *event.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer validates the configuration; Listen starts accepting.
func NewServer(cfg ServerConfig, log *logging.Logger) (*Server, error) {
	if cfg.SSLCert == "" || cfg.SSLKey == "" {
		return nil, fmt.Errorf("lumberjack server needs ssl_cert and ssl_key")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("lumberjack-server"),
		stats:  metrics.Default(),
		bind:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		events: make(chan *event.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Listen binds the TLS listener and starts the accept loop.
func (s *Server) Listen() error {
	tlsCfg, err := ServerTLS(s.cfg.SSLCert, s.cfg.SSLKey, s.cfg.SSLCACert)
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", s.bind, tlsCfg)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.bind, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info().Str("bind", s.bind).Msg("listening")
	return nil
}

// Events returns the queue of decoded events.
func (s *Server) Events() <-chan *event.Event { return s.events }

// Addr returns the bound listener address. Port 0 in the configuration
// binds an ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and waits for the connection handlers to exit; a
// handler returns once its current read finishes (at the latest at the read
// deadline). Events already queued are left in the channel.
func (s *Server) Close() error {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Error().Err(err).Msg("accept failed")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// connState is the per-connection protocol state.
type connState struct {
	lastReceived uint32
	lastAck      uint32
	windowSize   uint32
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()
	s.stats.LumberjackConnsOpen.WithLabelValues(s.bind).Inc()
	defer s.stats.LumberjackConnsOpen.WithLabelValues(s.bind).Dec()

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit)
	}

	dec := NewDecoder(conn, s.cfg.CompressionWrapper)
	state := &connState{}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPassDeadline))
		frame, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug().Msg("connection closed by peer")
			case errors.Is(err, os.ErrDeadlineExceeded):
				log.Debug().Msg("connection idle, closing")
			default:
				log.Error().Err(err).Msg("decode failed, closing connection")
			}
			return
		}

		switch frame.Code {
		case codeWindowSize:
			state.windowSize = frame.Window

		case codeData, codeJSON:
			ok, err := s.accept(conn, frame, state, limiter)
			if err != nil {
				log.Error().Err(err).Uint32("seq", frame.Seq).
					Uint32("last", state.lastReceived).Msg("closing connection")
				return
			}
			if !ok {
				continue
			}

		case codeAck:
			// peers do not send acks; ignore
		}
	}
}

// accept runs the sequence checks on a data frame and delivers its event.
// Duplicates are dropped silently; gaps are fatal.
func (s *Server) accept(conn net.Conn, frame *Frame, state *connState, limiter *rate.Limiter) (bool, error) {
	if state.lastReceived > 0 && frame.Seq <= state.lastReceived {
		return false, nil
	}
	if state.lastReceived > 0 && frame.Seq > state.lastReceived+1 {
		return false, fmt.Errorf("%w: got %d after %d", ErrSequenceGap, frame.Seq, state.lastReceived)
	}

	if limiter != nil {
		if err := limiter.Wait(s.ctx); err != nil {
			return false, err
		}
	}

	ev, err := s.decodeEvent(frame)
	if err != nil {
		// Corrupt payload: drop the event, keep the sequence moving.
		s.log.Error().Err(err).Uint32("seq", frame.Seq).Msg("dropping undecodable event")
	} else {
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return false, s.ctx.Err()
		}
	}
	state.lastReceived = frame.Seq

	if state.windowSize > 0 && state.lastReceived-state.lastAck >= state.windowSize {
		ack := AppendAck(nil, frame.Version, state.lastReceived)
		conn.SetWriteDeadline(time.Now().Add(readPassDeadline))
		if _, err := conn.Write(ack); err != nil {
			return false, fmt.Errorf("write ack: %w", err)
		}
		state.lastAck = state.lastReceived
	}
	return true, nil
}

func (s *Server) decodeEvent(frame *Frame) (*event.Event, error) {
	if frame.Code == codeJSON {
		return event.FromJSON(string(frame.Payload))
	}
	return event.FromWire(frame.Fields), nil
}
