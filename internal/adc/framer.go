package adc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	Delimiter = '\n'

	DefaultMaxLineLength = 64 * 1024
)

var (
	ErrLineTooLong = errors.New("adc: line too long")
	ErrRawMode     = errors.New("adc: framer already in raw mode")
)

// LineHandler receives one line without its delimiter. The slice is only
// valid for the duration of the call.
type LineHandler func(line []byte) error

type rawSpan struct {
	remaining int64
	sink      io.Writer
	done      func() error
}

// Framer splits a byte stream into lines. It is fed through Write, so it can
// sit behind io.Copy from a connection. While in raw mode the bytes are
// forwarded to a sink instead, until the requested count was delivered.
type Framer struct {
	delim      byte
	maxLine    int
	onLine     LineHandler
	onOverlong func(n int)
	buf        []byte
	raw        *rawSpan

	// skipping is set while the rest of an overlong line is dropped.
	skipping bool
	skipped  int
}

type FramerOption func(*Framer)

func WithDelimiter(delim byte) FramerOption {
	return func(f *Framer) {
		f.delim = delim
	}
}

func WithMaxLineLength(n int) FramerOption {
	return func(f *Framer) {
		f.maxLine = n
	}
}

// WithOverlongHandler makes overlong lines non-fatal: the framer drops them up
// to the next delimiter and calls fn with the dropped length instead of
// failing the write with ErrLineTooLong.
func WithOverlongHandler(fn func(n int)) FramerOption {
	return func(f *Framer) {
		f.onOverlong = fn
	}
}

func NewFramer(onLine LineHandler, opts ...FramerOption) *Framer {
	f := &Framer{
		delim:   Delimiter,
		maxLine: DefaultMaxLineLength,
		onLine:  onLine,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Write consumes a chunk of the inbound stream. An error returned by the line
// handler, the raw sink or the raw completion callback aborts the chunk and is
// returned as is. So does an overlong line, unless WithOverlongHandler is set.
func (f *Framer) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		if f.raw != nil {
			n := int64(len(p))
			if n > f.raw.remaining {
				n = f.raw.remaining
			}
			if _, err := f.raw.sink.Write(p[:n]); err != nil {
				return total - len(p), err
			}
			p = p[n:]
			f.raw.remaining -= n
			if f.raw.remaining == 0 {
				if err := f.finishRaw(); err != nil {
					return total - len(p), err
				}
			}
			continue
		}

		i := bytes.IndexByte(p, f.delim)
		if f.skipping {
			if i < 0 {
				f.skipped += len(p)
				break
			}
			f.skipped += i
			p = p[i+1:]
			f.overlong(f.skipped)
			continue
		}
		if i < 0 {
			if f.maxLine > 0 && len(f.buf)+len(p) > f.maxLine {
				if f.onOverlong == nil {
					f.buf = f.buf[:0]
					return total - len(p), fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, f.maxLine)
				}
				f.skipping = true
				f.skipped = len(f.buf) + len(p)
				f.buf = f.buf[:0]
				break
			}
			f.buf = append(f.buf, p...)
			break
		}

		var line []byte
		if len(f.buf) > 0 {
			f.buf = append(f.buf, p[:i]...)
			line = f.buf
		} else {
			line = p[:i]
		}
		p = p[i+1:]

		if f.maxLine > 0 && len(line) > f.maxLine {
			n := len(line)
			f.buf = f.buf[:0]
			if f.onOverlong == nil {
				return total - len(p), fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, f.maxLine)
			}
			f.overlong(n)
			continue
		}

		err := f.onLine(line)
		f.buf = f.buf[:0]
		if err != nil {
			return total - len(p), err
		}
	}

	return total, nil
}

func (f *Framer) overlong(n int) {
	f.skipping = false
	f.skipped = 0
	f.onOverlong(n)
}

// SetRawMode switches the framer to forward exactly n bytes to sink. It is
// meant to be called from the line handler; bytes following the current line
// are then delivered to sink. done runs once the last byte was forwarded,
// after which line mode resumes.
func (f *Framer) SetRawMode(n int64, sink io.Writer, done func() error) error {
	if f.raw != nil {
		return ErrRawMode
	}
	if n < 0 {
		return fmt.Errorf("adc: invalid raw length %d", n)
	}
	f.raw = &rawSpan{remaining: n, sink: sink, done: done}
	if n == 0 {
		return f.finishRaw()
	}
	return nil
}

func (f *Framer) finishRaw() error {
	done := f.raw.done
	f.raw = nil
	if done != nil {
		return done()
	}
	return nil
}

// InRawMode reports whether bytes are currently forwarded to a raw sink.
func (f *Framer) InRawMode() bool {
	return f.raw != nil
}

// Remaining is the number of raw bytes still expected.
func (f *Framer) Remaining() int64 {
	if f.raw == nil {
		return 0
	}
	return f.raw.remaining
}

// Buffered is the length of the partial line held back. Bytes of an overlong
// line being dropped are not counted.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
