package pgwire

import (
	"io"
)

const readChunk = 8192

// Scanner reads protocol messages from a byte stream, buffering
// internally and validating lengths before allocation. It replaces the
// pair of ReadFull calls a naive reader would make with a single buffer
// that survives across messages.
//
// Frames returned by Scan alias the internal buffer and are valid until
// the next Scan or ScanStartup call. Scanner is not safe for concurrent
// use; each connection direction owns one.
type Scanner struct {
	r       io.Reader
	maxSize int64
	buf     []byte
	start   int
	end     int
}

// NewScanner returns a Scanner reading from r. maxSize bounds each
// message's length field; zero selects DefaultMaxMessageSize.
func NewScanner(r io.Reader, maxSize int64) *Scanner {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Scanner{r: r, maxSize: maxSize, buf: make([]byte, readChunk)}
}

// Buffered reports how many undecoded bytes the Scanner holds.
func (s *Scanner) Buffered() int {
	return s.end - s.start
}

// Scan returns the next tagged frame. io.EOF means the stream ended
// cleanly between frames; io.ErrUnexpectedEOF means it ended inside one.
func (s *Scanner) Scan() (Frame, error) {
	for {
		f, n, err := DecodeFrame(s.buf[s.start:s.end], s.maxSize)
		if err != nil {
			return Frame{}, err
		}
		if n > 0 {
			s.start += n
			return f, nil
		}
		if err := s.fill(); err != nil {
			return Frame{}, err
		}
	}
}

// ScanStartup returns the connection's untagged first packet. Call it
// before the first Scan; afterwards the stream carries tagged frames only.
func (s *Scanner) ScanStartup() (StartupPacket, error) {
	for {
		p, n, err := DecodeStartupPacket(s.buf[s.start:s.end])
		if err != nil {
			return StartupPacket{}, err
		}
		if n > 0 {
			s.start += n
			return p, nil
		}
		if err := s.fill(); err != nil {
			return StartupPacket{}, err
		}
	}
}

// fill reads more bytes, compacting and growing the buffer as needed.
// Bytes read alongside an error are surfaced first; the error repeats on
// the next call.
func (s *Scanner) fill() error {
	if s.start > 0 {
		copy(s.buf, s.buf[s.start:s.end])
		s.end -= s.start
		s.start = 0
	}
	if s.end == len(s.buf) {
		grown := make([]byte, len(s.buf)*2)
		copy(grown, s.buf[:s.end])
		s.buf = grown
	}

	n, err := s.r.Read(s.buf[s.end:])
	s.end += n
	if n > 0 {
		return nil
	}
	if err == io.EOF && s.end > s.start {
		return io.ErrUnexpectedEOF
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
