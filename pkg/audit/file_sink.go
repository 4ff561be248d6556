package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const activeFileName = "audit.ndjson"

// FileSink mirrors audit records to newline-delimited JSON files. It is a
// secondary sink for shipping to log collectors; the database stays
// authoritative.
type FileSink struct {
	dir      string
	maxSize  int64
	maxFiles int
	sync     bool

	mu   sync.Mutex
	file *os.File
	size int64
	seq  int
	enc  *json.Encoder
}

// FileSinkConfig configures the file sink
type FileSinkConfig struct {
	Dir      string // Directory holding audit.ndjson and rotated files
	MaxSize  int64  // Rotate once the active file reaches this size (default: 64MB)
	MaxFiles int    // Rotated files to keep (default: 10)
	Sync     bool   // fsync after every record
}

// NewFileSink opens (or creates) the active audit file in cfg.Dir
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit file directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	s := &FileSink{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		maxFiles: cfg.MaxFiles,
		sync:     cfg.Sync,
	}
	if s.maxSize <= 0 {
		s.maxSize = 64 << 20
	}
	if s.maxFiles <= 0 {
		s.maxFiles = 10
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) activePath() string {
	return filepath.Join(s.dir, activeFileName)
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	s.enc = json.NewEncoder(&countingWriter{sink: s})
	return nil
}

type countingWriter struct {
	sink *FileSink
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.sink.file.Write(p)
	c.sink.size += int64(n)
	return n, err
}

// Write appends one JSON line, rotating first when the file is full
func (s *FileSink) Write(ctx context.Context, rec *Record) error {
	rec.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("%w: file sink closed", ErrSinkUnavailable)
	}
	if s.size >= s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("%w: failed to write audit record: %v", ErrSinkUnavailable, err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync audit file: %v", ErrSinkUnavailable, err)
		}
	}
	return nil
}

// rotate renames the active file with a timestamp suffix and prunes old ones.
// Caller holds s.mu.
func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit file: %w", err)
	}
	s.file = nil

	s.seq++
	rotated := filepath.Join(s.dir, fmt.Sprintf("audit-%s-%06d.ndjson", time.Now().UTC().Format("20060102T150405"), s.seq))
	if err := os.Rename(s.activePath(), rotated); err != nil {
		return fmt.Errorf("failed to rotate audit file: %w", err)
	}
	if err := s.prune(); err != nil {
		return err
	}
	return s.open()
}

func (s *FileSink) prune() error {
	files, err := s.rotatedFiles()
	if err != nil {
		return err
	}
	if len(files) <= s.maxFiles {
		return nil
	}
	for _, f := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove rotated audit file %s: %w", f, err)
		}
	}
	return nil
}

// rotatedFiles lists rotated files oldest first; the timestamp suffix sorts lexically
func (s *FileSink) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "audit-*.ndjson"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Close closes the active file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadAll decodes every record in dir, rotated files first
func ReadAll(dir string) ([]*Record, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.ndjson"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	files = append(files, filepath.Join(dir, activeFileName))

	var out []*Record
	for _, name := range files {
		recs, err := readFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readFile(name string) ([]*Record, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	var out []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		out = append(out, &rec)
	}
	return out, scanner.Err()
}
