package animation

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Sink receives rendered frames
type Sink interface {
	WriteFrame(f *OutputFrame) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(f *OutputFrame) error

// WriteFrame calls fn
func (fn SinkFunc) WriteFrame(f *OutputFrame) error {
	return fn(f)
}

// JSONLSink writes one JSON document per frame
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLSink writes frames to w
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// WriteFrame encodes f as a single line
func (s *JSONLSink) WriteFrame(f *OutputFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(f)
}

// MultiSink writes every frame to all sinks. One failing sink does not
// starve the others.
type MultiSink []Sink

// WriteFrame fans f out
func (m MultiSink) WriteFrame(f *OutputFrame) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
