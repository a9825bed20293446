package tailer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Position is the persisted read state of one tailed file.
type Position struct {
	Inode  uint64
	Offset int64
}

// PositionFile persists a Position for a single tailed path. The record is
// rewritten in place on every commit; fixed-width numeric fields keep the
// write inside one filesystem block.
type PositionFile struct {
	path string
	file *os.File
}

// PositionPath returns the position file path for a tailed file.
func PositionPath(libdir, logfile string) string {
	return filepath.Join(libdir, "awesant-"+filepath.Base(logfile)+".pos")
}

// OpenPositionFile opens or creates the position file for a tailed path.
func OpenPositionFile(libdir, logfile string) (*PositionFile, error) {
	if err := os.MkdirAll(libdir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create libdir: %w", err)
	}
	path := PositionPath(libdir, logfile)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open position file: %w", err)
	}
	return &PositionFile{path: path, file: file}, nil
}

// Read parses the stored position. A missing or malformed record returns
// ok=false; the caller falls back to its start_position policy.
func (p *PositionFile) Read() (Position, bool) {
	buf := make([]byte, 64)
	n, _ := p.file.ReadAt(buf, 0)
	if n < 29 { // full record is 14 digits, a colon, 14 digits
		return Position{}, false
	}
	raw := strings.TrimSpace(string(buf[:n]))
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Position{}, false
	}
	inode, err1 := strconv.ParseUint(parts[0], 10, 64)
	offset, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Position{}, false
	}
	return Position{Inode: inode, Offset: offset}, true
}

// Write rewrites the position record from the start of the file.
func (p *PositionFile) Write(pos Position) error {
	record := fmt.Sprintf("%014d:%014d", pos.Inode, pos.Offset)
	if _, err := p.file.WriteAt([]byte(record), 0); err != nil {
		return fmt.Errorf("failed to write position file %s: %w", p.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (p *PositionFile) Close() error {
	return p.file.Close()
}
