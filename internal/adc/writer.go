package adc

import (
	"io"
	"log/slog"
	"sync"
)

// Writer serialises messages onto a connection. Safe for concurrent use.
type Writer struct {
	w    io.Writer
	name string
	mu   sync.Mutex
}

func NewWriter(w io.Writer, name string) *Writer {
	return &Writer{w: w, name: name}
}

func (w *Writer) Send(msg *Message) error {
	return w.SendLine(msg.String())
}

func (w *Writer) SendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	slog.Debug("adc SEND", "conn", w.name, "line", line)
	_, err := io.WriteString(w.w, line+string(Delimiter))
	return err
}
