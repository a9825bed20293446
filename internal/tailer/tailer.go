package tailer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
)

// ErrFileRemoved is returned by ReadLine when the tailed path no longer
// exists. Wildcard-matched inputs are destroyed on it; configured inputs
// keep polling for the path to reappear.
var ErrFileRemoved = errors.New("tailed file removed")

// maxEOFPolls is how many consecutive EOF polls a pending rotation is
// tolerated before the old handle is dropped and the successor is opened.
// At the default 500 ms poll cadence this is roughly ten seconds.
const maxEOFPolls = 20

// Config holds per-file tailer settings.
type Config struct {
	Path          string
	Libdir        string
	StartPosition string // "begin" or "end"
	SavePosition  bool
}

// Tailer owns one file and a read position. It reads complete LF-terminated
// lines, tracks the (device, inode) identity of the file, detects rotation
// and truncation, and persists the committed offset across restarts.
type Tailer struct {
	cfg    Config
	log    *logging.Logger
	stats  *metrics.Collector
	pos    *PositionFile
	file   *os.File
	reader *bufio.Reader

	dev       uint64
	inode     uint64
	committed int64 // offset persisted at the last commit boundary
	readOff   int64 // offset after the last complete line handed out
	partial   []byte
	eofPolls  int
}

// New creates a tailer for a single path. The file is opened lazily on the
// first ReadLine so that a not-yet-existing path is not a startup error.
func New(cfg Config, log *logging.Logger) *Tailer {
	return &Tailer{
		cfg:   cfg,
		log:   log.WithComponent("tailer"),
		stats: metrics.Default(),
	}
}

// Path returns the tailed path.
func (t *Tailer) Path() string { return t.cfg.Path }

// Committed returns the last committed byte offset.
func (t *Tailer) Committed() int64 { return t.committed }

// ReadOffset returns the offset after the last complete line handed out.
func (t *Tailer) ReadOffset() int64 { return t.readOff }

func (t *Tailer) open() error {
	file, err := os.Open(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrFileRemoved
		}
		return fmt.Errorf("failed to open %s: %w", t.cfg.Path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat %s: %w", t.cfg.Path, err)
	}
	dev, inode := fileIdent(stat)

	var offset int64
	switch {
	case t.cfg.SavePosition:
		if t.pos == nil {
			t.pos, err = OpenPositionFile(t.cfg.Libdir, t.cfg.Path)
			if err != nil {
				file.Close()
				return err
			}
		}
		if saved, ok := t.pos.Read(); ok && saved.Inode == inode && saved.Offset <= stat.Size() {
			offset = saved.Offset
			t.log.Info().Str("path", t.cfg.Path).Int64("offset", offset).Msg("resuming from saved position")
			break
		}
		fallthrough
	default:
		if t.cfg.StartPosition == "end" {
			offset = stat.Size()
		}
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek %s: %w", t.cfg.Path, err)
	}

	t.file = file
	t.reader = bufio.NewReader(file)
	t.dev = dev
	t.inode = inode
	t.committed = offset
	t.readOff = offset
	t.partial = nil
	t.eofPolls = 0
	return nil
}

// reopen switches to the successor file after a rotation, starting at 0.
func (t *Tailer) reopen() error {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	start := t.cfg.StartPosition
	save := t.cfg.SavePosition
	t.cfg.StartPosition = "begin"
	t.cfg.SavePosition = false
	err := t.open()
	t.cfg.StartPosition = start
	t.cfg.SavePosition = save
	if err != nil {
		return err
	}
	t.stats.TailerReopens.WithLabelValues(t.cfg.Path).Inc()
	t.log.Info().Str("path", t.cfg.Path).Msg("reopened rotated file")
	return nil
}

// ReadLine returns the next complete line without its trailing LF, and the
// byte offset just past it. ok=false means no complete line is available
// right now (EOF); the caller should poll again later.
func (t *Tailer) ReadLine() (line string, end int64, ok bool, err error) {
	if t.file == nil {
		if err := t.open(); err != nil {
			return "", 0, false, err
		}
	}

	chunk, rerr := t.reader.ReadString('\n')
	if len(chunk) > 0 {
		t.stats.TailerBytesRead.WithLabelValues(t.cfg.Path).Add(float64(len(chunk)))
	}
	if rerr == nil {
		t.eofPolls = 0
		full := chunk
		if len(t.partial) > 0 {
			full = string(t.partial) + chunk
			t.partial = nil
		}
		t.readOff += int64(len(full))
		return full[:len(full)-1], t.readOff, true, nil
	}
	if rerr != io.EOF {
		return "", 0, false, fmt.Errorf("read %s: %w", t.cfg.Path, rerr)
	}

	// Partial line without a trailing LF yet: stash it, do not advance.
	if len(chunk) > 0 {
		t.partial = append(t.partial, chunk...)
	}

	if err := t.checkState(); err != nil {
		return "", 0, false, err
	}
	return "", 0, false, nil
}

// checkState runs the rotation protocol at EOF: path gone, inode changed,
// or size shrunk below the current offset.
func (t *Tailer) checkState() error {
	stat, err := os.Stat(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			t.Close()
			return ErrFileRemoved
		}
		return fmt.Errorf("stat %s: %w", t.cfg.Path, err)
	}

	dev, inode := fileIdent(stat)
	if dev != t.dev || inode != t.inode {
		// The path points at a successor. Keep draining the old handle for
		// a grace period in case the rotation is still being written out.
		t.eofPolls++
		if t.eofPolls >= maxEOFPolls {
			return t.reopen()
		}
		return nil
	}

	if stat.Size() < t.readOff {
		t.stats.TailerTruncations.WithLabelValues(t.cfg.Path).Inc()
		t.log.Warn().Str("path", t.cfg.Path).Int64("size", stat.Size()).
			Int64("offset", t.readOff).Msg("file truncated, resetting offset")
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", t.cfg.Path, err)
		}
		t.reader.Reset(t.file)
		t.committed = 0
		t.readOff = 0
		t.partial = nil
	}

	t.eofPolls = 0
	return nil
}

// CommitTo records end as the committed offset and persists it. The caller
// invokes it only at a complete-logical-event boundary; partial multi-line
// buffers never advance the committed offset.
func (t *Tailer) CommitTo(end int64) error {
	t.committed = end
	if !t.cfg.SavePosition || t.pos == nil {
		return nil
	}
	return t.pos.Write(Position{Inode: t.inode, Offset: end})
}

// Close closes the file handle, leaving the position file intact.
func (t *Tailer) Close() error {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
	return nil
}

// ClosePosition releases the position file handle as well.
func (t *Tailer) ClosePosition() error {
	t.Close()
	if t.pos != nil {
		err := t.pos.Close()
		t.pos = nil
		return err
	}
	return nil
}

// fileIdent extracts the (device, inode) identity of a file.
func fileIdent(stat os.FileInfo) (uint64, uint64) {
	if sys, ok := stat.Sys().(*syscall.Stat_t); ok {
		return uint64(sys.Dev), sys.Ino
	}
	return 0, 0
}
