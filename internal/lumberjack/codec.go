// Package lumberjack implements the framed, sequenced, windowed and
// compressed Lumberjack wire protocol: the codec, a TLS client with
// failover hosts, and a TLS server with gap detection.
package lumberjack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// Frame codes.
const (
	codeWindowSize = 'W'
	codeData       = 'D' // version 1 key/value payload
	codeJSON       = 'J' // version 2 json payload
	codeCompressed = 'C'
	codeAck        = 'A'
)

// Compression wrappers for the C frame payload.
const (
	WrapperZlib = "zlib"
	WrapperRaw  = "raw"
)

var (
	// ErrUnknownFrame is fatal to the connection.
	ErrUnknownFrame = errors.New("unknown lumberjack frame code")
	// ErrBadHeader is returned on a malformed two-byte frame header.
	ErrBadHeader = errors.New("bad lumberjack frame header")
)

// MaxSequence is the wrap point: sequences run 1..2^32-1 and wrap to 1.
const MaxSequence = uint32(0xFFFFFFFF)

// NextSequence increments a sequence with the 2^32 -> 1 wrap.
func NextSequence(seq uint32) uint32 {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// AppendWindow appends a W frame announcing the window size.
func AppendWindow(dst []byte, version byte, n uint32) []byte {
	dst = append(dst, '0'+version, codeWindowSize)
	return appendUint32(dst, n)
}

// AppendData appends a version 1 D frame: sequence, pair count, then
// length-prefixed key/value pairs in sorted key order.
func AppendData(dst []byte, seq uint32, fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = append(dst, '1', codeData)
	dst = appendUint32(dst, seq)
	dst = appendUint32(dst, uint32(len(keys)))
	for _, k := range keys {
		dst = appendUint32(dst, uint32(len(k)))
		dst = append(dst, k...)
		v := fields[k]
		dst = appendUint32(dst, uint32(len(v)))
		dst = append(dst, v...)
	}
	return dst
}

// AppendJSONData appends a version 2 J frame: sequence, payload length,
// then the json payload.
func AppendJSONData(dst []byte, seq uint32, payload []byte) []byte {
	dst = append(dst, '2', codeJSON)
	dst = appendUint32(dst, seq)
	dst = appendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// AppendCompressed wraps a sub-stream of data frames into a C frame.
func AppendCompressed(dst []byte, version byte, body []byte, wrapper string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch wrapper {
	case WrapperRaw:
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	default:
		w, err = zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	}
	if err != nil {
		return nil, fmt.Errorf("compress init: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("compress write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress close: %w", err)
	}

	dst = append(dst, '0'+version, codeCompressed)
	dst = appendUint32(dst, uint32(buf.Len()))
	return append(dst, buf.Bytes()...), nil
}

// AppendAck appends an A frame for the given sequence.
func AppendAck(dst []byte, version byte, seq uint32) []byte {
	dst = append(dst, '0'+version, codeAck)
	return appendUint32(dst, seq)
}

func decompress(payload []byte, wrapper string) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch wrapper {
	case WrapperRaw:
		r = flate.NewReader(bytes.NewReader(payload))
	default:
		r, err = zlib.NewReader(bytes.NewReader(payload))
	}
	if err != nil {
		return nil, fmt.Errorf("decompress init: %w", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress read: %w", err)
	}
	return body, nil
}

// Frame is one decoded protocol frame.
type Frame struct {
	Version byte // 1 or 2
	Code    byte
	Seq     uint32
	Window  uint32
	Fields  map[string]string // D frames
	Payload []byte            // J frames
}

// Decoder reads frames from a stream, transparently expanding compressed
// frames (recursively, should a peer nest them).
type Decoder struct {
	r       *bufio.Reader
	wrapper string
	queue   []*Frame
}

// NewDecoder wraps a connection or buffer.
func NewDecoder(r io.Reader, wrapper string) *Decoder {
	return &Decoder{r: bufio.NewReader(r), wrapper: wrapper}
}

// Next returns the next frame. Compressed frames are expanded in place;
// their inner frames are returned one at a time in order.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.queue) > 0 {
		f := d.queue[0]
		d.queue = d.queue[1:]
		return f, nil
	}

	var hdr [2]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != '1' && hdr[0] != '2' {
		return nil, fmt.Errorf("%w: version byte %#x", ErrBadHeader, hdr[0])
	}
	f := &Frame{Version: hdr[0] - '0', Code: hdr[1]}

	switch f.Code {
	case codeWindowSize:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		f.Window = n
		return f, nil

	case codeAck:
		seq, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		f.Seq = seq
		return f, nil

	case codeData:
		seq, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		count, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		fields := make(map[string]string, count)
		for i := uint32(0); i < count; i++ {
			k, err := d.readString()
			if err != nil {
				return nil, err
			}
			v, err := d.readString()
			if err != nil {
				return nil, err
			}
			fields[k] = v
		}
		f.Seq = seq
		f.Fields = fields
		return f, nil

	case codeJSON:
		seq, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		payload, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		f.Seq = seq
		f.Payload = payload
		return f, nil

	case codeCompressed:
		payload, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		body, err := decompress(payload, d.wrapper)
		if err != nil {
			return nil, err
		}
		sub := NewDecoder(bytes.NewReader(body), d.wrapper)
		for {
			inner, err := sub.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("compressed sub-stream: %w", err)
			}
			d.queue = append(d.queue, inner)
		}
		return d.Next()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Code)
}

func (d *Decoder) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (d *Decoder) readBytes() ([]byte, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Decoder) readString() (string, error) {
	b, err := d.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
