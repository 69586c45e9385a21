package adc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	lines []string
}

func (r *lineRecorder) handle(line []byte) error {
	r.lines = append(r.lines, string(line))
	return nil
}

func feedChunks(t *testing.T, f *Framer, data []byte, size int) {
	t.Helper()
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		written, err := f.Write(data[:n])
		require.NoError(t, err)
		require.Equal(t, n, written)
		data = data[n:]
	}
}

func TestFramer_SingleLine(t *testing.T) {
	rec := &lineRecorder{}
	f := NewFramer(rec.handle)

	n, err := f.Write([]byte("ISID AAAB\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []string{"ISID AAAB"}, rec.lines)
	assert.Zero(t, f.Buffered())
}

func TestFramer_ChunkBoundaries(t *testing.T) {
	input := []byte("BINF AAAB NIalice I4127.0.0.1\nIQUI AAAB\nBMSG AAAC hello\\sthere\n")
	want := []string{"BINF AAAB NIalice I4127.0.0.1", "IQUI AAAB", `BMSG AAAC hello\sthere`}

	for size := 1; size <= len(input); size++ {
		rec := &lineRecorder{}
		f := NewFramer(rec.handle)
		feedChunks(t, f, input, size)
		assert.Equal(t, want, rec.lines, "chunk size %d", size)
	}
}

func TestFramer_PartialLineIsHeldBack(t *testing.T) {
	rec := &lineRecorder{}
	f := NewFramer(rec.handle)

	_, err := f.Write([]byte("HSUP AD"))
	require.NoError(t, err)
	assert.Empty(t, rec.lines)
	assert.Equal(t, 7, f.Buffered())

	_, err = f.Write([]byte("BASE\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"HSUP ADBASE"}, rec.lines)
}

func TestFramer_EmptyLines(t *testing.T) {
	rec := &lineRecorder{}
	f := NewFramer(rec.handle)

	_, err := f.Write([]byte("\n\nIQUI AAAB\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "", "IQUI AAAB"}, rec.lines)
}

func TestFramer_LineTooLong(t *testing.T) {
	rec := &lineRecorder{}
	f := NewFramer(rec.handle, WithMaxLineLength(8))

	_, err := f.Write([]byte("0123456789"))
	assert.ErrorIs(t, err, ErrLineTooLong)

	f = NewFramer(rec.handle, WithMaxLineLength(8))
	_, err = f.Write([]byte("0123456789\n"))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestFramer_OverlongLineSkipped(t *testing.T) {
	input := []byte("IQUI AAAB\n" + "BMSG AAAC " + string(bytes.Repeat([]byte("x"), 40)) + "\nIQUI AAAC\n")

	for size := 1; size <= len(input); size++ {
		rec := &lineRecorder{}
		var dropped []int
		f := NewFramer(rec.handle, WithMaxLineLength(16), WithOverlongHandler(func(n int) {
			dropped = append(dropped, n)
		}))
		feedChunks(t, f, input, size)
		assert.Equal(t, []string{"IQUI AAAB", "IQUI AAAC"}, rec.lines, "chunk size %d", size)
		assert.Equal(t, []int{50}, dropped, "chunk size %d", size)
		assert.Zero(t, f.Buffered())
	}
}

func TestFramer_HandlerErrorStopsProcessing(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	f := NewFramer(func(line []byte) error {
		calls++
		return boom
	})

	_, err := f.Write([]byte("a\nb\n"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestFramer_CustomDelimiter(t *testing.T) {
	rec := &lineRecorder{}
	f := NewFramer(rec.handle, WithDelimiter('|'))

	_, err := f.Write([]byte("$Lock x|$Key y|"))
	require.NoError(t, err)
	assert.Equal(t, []string{"$Lock x", "$Key y"}, rec.lines)
}

// rawFramer returns a framer that enters raw mode for payloadLen bytes when it
// sees a CSND line.
func rawFramer(t *testing.T, payloadLen int64) (*Framer, *bytes.Buffer, *lineRecorder, *int) {
	t.Helper()
	sink := &bytes.Buffer{}
	rec := &lineRecorder{}
	completed := 0

	var f *Framer
	f = NewFramer(func(line []byte) error {
		rec.lines = append(rec.lines, string(line))
		if bytes.HasPrefix(line, []byte("CSND")) {
			return f.SetRawMode(payloadLen, sink, func() error {
				completed++
				return nil
			})
		}
		return nil
	})
	return f, sink, rec, &completed
}

func TestFramer_RawModeExactByteCount(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789\n"), 100) // contains delimiters on purpose
	stream := append([]byte("CSND file files.xml.bz2 0 1100\n"), payload...)
	stream = append(stream, []byte("CSTA 000 done\n")...)

	for _, size := range []int{1, 3, 7, 64, 1000, len(stream)} {
		f, sink, rec, completed := rawFramer(t, int64(len(payload)))
		feedChunks(t, f, stream, size)

		assert.Equal(t, payload, sink.Bytes(), "chunk size %d", size)
		assert.Equal(t, 1, *completed, "chunk size %d", size)
		assert.False(t, f.InRawMode())
		assert.Equal(t, []string{"CSND file files.xml.bz2 0 1100", "CSTA 000 done"}, rec.lines, "chunk size %d", size)
	}
}

func TestFramer_RawModePreservesBytesInSameChunk(t *testing.T) {
	f, sink, _, completed := rawFramer(t, 5)

	_, err := f.Write([]byte("CSND list / 0 5\nhel"))
	require.NoError(t, err)
	assert.True(t, f.InRawMode())
	assert.Equal(t, int64(2), f.Remaining())
	assert.Equal(t, "hel", sink.String())

	_, err = f.Write([]byte("lo"))
	require.NoError(t, err)
	assert.Equal(t, "hello", sink.String())
	assert.Equal(t, 1, *completed)
	assert.Zero(t, f.Remaining())
}

func TestFramer_RawModeZeroLength(t *testing.T) {
	f, sink, rec, completed := rawFramer(t, 0)

	_, err := f.Write([]byte("CSND list / 0 0\nCSTA 000 x\n"))
	require.NoError(t, err)
	assert.Zero(t, sink.Len())
	assert.Equal(t, 1, *completed)
	assert.Len(t, rec.lines, 2)
}

func TestFramer_SetRawModeTwice(t *testing.T) {
	f := NewFramer(func([]byte) error { return nil })
	require.NoError(t, f.SetRawMode(10, &bytes.Buffer{}, nil))
	assert.ErrorIs(t, f.SetRawMode(10, &bytes.Buffer{}, nil), ErrRawMode)
}

func TestFramer_RawSinkError(t *testing.T) {
	boom := errors.New("sink broken")
	var f *Framer
	f = NewFramer(func(line []byte) error {
		return f.SetRawMode(4, errWriter{boom}, nil)
	})

	_, err := f.Write([]byte("CSND\nabcd"))
	assert.ErrorIs(t, err, boom)
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }
