package peer

import (
	"compress/bzip2"
	"fmt"
	"io"
)

type decoded struct {
	data []byte
	err  error
}

// bzip2Sink decompresses everything written to it on a separate goroutine,
// so the listing is expanded while it is still arriving.
type bzip2Sink struct {
	pw     *io.PipeWriter
	result chan decoded
}

func newBzip2Sink(limit int64) *bzip2Sink {
	pr, pw := io.Pipe()
	s := &bzip2Sink{pw: pw, result: make(chan decoded, 1)}

	go func() {
		data, err := io.ReadAll(io.LimitReader(bzip2.NewReader(pr), limit+1))
		if err == nil && int64(len(data)) > limit {
			err = fmt.Errorf("decompressed listing exceeds %d bytes", limit)
		}
		if err == nil {
			// trailing bytes after the end of stream
			_, err = io.Copy(io.Discard, pr)
		}
		pr.CloseWithError(err)
		s.result <- decoded{data: data, err: err}
	}()

	return s
}

func (s *bzip2Sink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Close signals the end of the compressed stream and waits for the result.
func (s *bzip2Sink) Close() ([]byte, error) {
	s.pw.Close()
	r := <-s.result
	if r.err != nil {
		return nil, r.err
	}
	return r.data, nil
}

// Abort stops the decoder and discards its output.
func (s *bzip2Sink) Abort(err error) {
	s.pw.CloseWithError(err)
	<-s.result
}
