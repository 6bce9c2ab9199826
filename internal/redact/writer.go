package redact

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Writer is an io.Writer that redacts each line before forwarding it to the
// underlying sink. Output is buffered per line so a secret split across two
// Write calls on the same line cannot slip through; callers must Close to
// flush a trailing unterminated line.
type Writer struct {
	mu   sync.Mutex
	r    *Redactor
	dst  io.Writer
	line bytes.Buffer
}

// NewWriter wraps dst so everything written through it passes the redactor.
func NewWriter(dst io.Writer, r *Redactor) *Writer {
	return &Writer{r: r, dst: dst}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			w.line.Write(p)
			break
		}
		w.line.Write(p[:idx+1])
		if err := w.flushLineLocked(); err != nil {
			return 0, err
		}
		p = p[idx+1:]
	}
	return n, nil
}

// Close flushes any buffered partial line. The underlying sink is not closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLineLocked()
}

func (w *Writer) flushLineLocked() error {
	if w.line.Len() == 0 {
		return nil
	}
	out := w.r.Text(w.line.String())
	w.line.Reset()
	bw := bufio.NewWriter(w.dst)
	if _, err := bw.WriteString(out); err != nil {
		return err
	}
	return bw.Flush()
}
