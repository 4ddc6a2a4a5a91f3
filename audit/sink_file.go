package audit

import (
	"context"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink writes formatted entries to a rotated file.
type FileSink struct {
	mu     sync.Mutex
	name   string
	writer *lumberjack.Logger
}

// FileSinkConfig configures a FileSink. Zero rotation values fall back to
// lumberjack defaults.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileSink creates a FileSink.
func NewFileSink(name string, cfg FileSinkConfig) *FileSink {
	return &FileSink{
		name: name,
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Write(entry)
	return err
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// Name implements Sink.
func (s *FileSink) Name() string {
	return s.name
}

// Type implements Sink.
func (s *FileSink) Type() string {
	return "file"
}
