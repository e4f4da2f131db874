package audio

import (
	"bufio"
	"io"
	"os"
	"sync"
)

type readerSource struct {
	r      io.Reader
	closer io.Closer
	format AudioConfig
}

func (s *readerSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *readerSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *readerSource) Format() AudioConfig { return s.format }

// interruptReader reads from a stream that cannot be closed under a
// blocked Read, such as stdin. Close makes the pending and all later Reads
// return os.ErrClosed; the underlying stream is left open.
type interruptReader struct {
	r    io.Reader
	buf  []byte
	done chan struct{}
	once sync.Once
}

type readResult struct {
	n   int
	err error
}

func newInterruptReader(r io.Reader) *interruptReader {
	return &interruptReader{r: r, done: make(chan struct{})}
}

func (r *interruptReader) Read(p []byte) (int, error) {
	select {
	case <-r.done:
		return 0, os.ErrClosed
	default:
	}

	// buf is only reused once the previous read has returned
	if cap(r.buf) < len(p) {
		r.buf = make([]byte, len(p))
	}
	buf := r.buf[:len(p)]
	ch := make(chan readResult, 1)
	go func() {
		n, err := r.r.Read(buf)
		ch <- readResult{n, err}
	}()

	select {
	case res := <-ch:
		return copy(p, buf[:res.n]), res.err
	case <-r.done:
		// the abandoned read keeps buf
		r.buf = nil
		return 0, os.ErrClosed
	}
}

func (r *interruptReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// NewPCMSource wraps a headerless PCM stream described by cfg
func NewPCMSource(r io.Reader, cfg AudioConfig) (Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	src := &readerSource{r: r, format: cfg}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

// NewWAVSource parses a RIFF/WAVE header from r and returns a source
// positioned at the first sample. chunkDurationMs controls chunking.
func NewWAVSource(r io.Reader, chunkDurationMs int) (Source, error) {
	br := bufio.NewReader(r)
	cfg, size, err := readWAVHeader(br)
	if err != nil {
		return nil, err
	}
	cfg.ChunkDurationMs = chunkDurationMs
	if cfg.ChunkDurationMs <= 0 {
		cfg.ChunkDurationMs = DefaultAudioConfig().ChunkDurationMs
	}

	var body io.Reader = br
	// Streaming writers put 0 or 0xFFFFFFFF in the size field.
	if size > 0 && size != 0xFFFFFFFF {
		body = io.LimitReader(br, size)
	}

	src := &readerSource{r: body, format: cfg}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

// Open opens path (or stdin for "-") as a source of the given format
func Open(path string, format AudioFormat, cfg AudioConfig) (Source, error) {
	var f io.ReadCloser
	if path == "-" || path == "" {
		f = newInterruptReader(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		f = file
	}

	var (
		src Source
		err error
	)
	switch format {
	case FormatPCM:
		src, err = NewPCMSource(f, cfg)
	default:
		src, err = NewWAVSource(f, cfg.ChunkDurationMs)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}
