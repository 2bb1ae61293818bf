package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	errInvalidLevel = errors.New("log: invalid level")
	errEmptyLogPath = errors.New("log: file appender requires a path")
)

// LogAppender is an output destination for rendered log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	Refresh()
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

// NewConsoleAppender creates a stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

// Refresh is a no-op for stdout.
func (c *ConsoleAppender) Refresh() {}

// FileAppender appends to a file and rotates it by size.
type FileAppender struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
}

// NewFileAppender creates a file appender from cfg. The file is opened lazily.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		path:     cfg.LogPath,
		maxBytes: int64(cfg.FileSplitMB) * 1024 * 1024,
	}
}

func (f *FileAppender) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	if f.maxBytes > 0 && f.size+int64(len(p)) > f.maxBytes {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// Refresh syncs the file to disk.
func (f *FileAppender) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		_ = f.file.Sync()
	}
}

// Close closes the underlying file.
func (f *FileAppender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileAppender) open() error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	f.file = file
	f.size = st.Size()
	return nil
}

func (f *FileAppender) rotate() error {
	if err := f.file.Close(); err != nil {
		return err
	}
	f.file = nil
	ext := filepath.Ext(f.path)
	rotated := fmt.Sprintf("%s.%s%s", f.path[:len(f.path)-len(ext)], time.Now().Format("20060102150405.000"), ext)
	if err := os.Rename(f.path, rotated); err != nil {
		return err
	}
	return f.open()
}
