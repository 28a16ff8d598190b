package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

var ErrSinkClosed = errors.New("pipeline: recorder sink not open")

// Sink is the recorder boundary. A failed Open must leave the sink unusable
// but harmless; recording state never transitions to active on open failure.
type Sink interface {
	// Open prepares the sink for frames of the given geometry and rate.
	Open(path string, fps float64, width, height int) error

	// Write appends one frame. Only valid between Open and Close.
	Write(frame gocv.Mat) error

	// Close flushes and releases the sink. Idempotent.
	Close() error
}

// videoSink writes an AVI container through gocv's VideoWriter.
type videoSink struct {
	codec string

	mu     sync.Mutex
	writer *gocv.VideoWriter
}

// NewVideoSink creates a recorder sink using the given four-character codec
// (e.g. "MJPG").
func NewVideoSink(codec string) Sink {
	return &videoSink{codec: codec}
}

func (s *videoSink) Open(path string, fps float64, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return fmt.Errorf("pipeline: sink already open")
	}
	w, err := gocv.VideoWriterFile(path, s.codec, fps, width, height, true)
	if err != nil {
		return fmt.Errorf("pipeline: opening video writer: %w", err)
	}
	if !w.IsOpened() {
		w.Close()
		return fmt.Errorf("pipeline: video writer could not be opened (codec %q)", s.codec)
	}
	s.writer = w
	return nil
}

func (s *videoSink) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrSinkClosed
	}
	return s.writer.Write(frame)
}

func (s *videoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
