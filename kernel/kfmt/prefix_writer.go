package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that prepends Prefix to every line it
// forwards to Sink. Each line reaches Sink with a single Write; a trailing
// line without a newline is held back until it is completed or Flush is
// called.
type PrefixWriter struct {
	// Sink receives the prefixed lines.
	Sink io.Writer

	// Prefix is injected at the start of each line.
	Prefix []byte

	line []byte
}

// Write implements io.Writer. The returned count excludes the prefix.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	for consumed := 0; consumed < len(p); {
		nl := bytes.IndexByte(p[consumed:], '\n')
		if nl < 0 {
			w.appendLine(p[consumed:])
			break
		}

		w.appendLine(p[consumed : consumed+nl+1])
		if err := w.emit(); err != nil {
			return consumed, err
		}
		consumed += nl + 1
	}

	return len(p), nil
}

// Flush forwards an incomplete pending line to Sink.
func (w *PrefixWriter) Flush() error {
	if len(w.line) == 0 {
		return nil
	}
	return w.emit()
}

func (w *PrefixWriter) appendLine(p []byte) {
	if len(w.line) == 0 {
		w.line = append(w.line, w.Prefix...)
	}
	w.line = append(w.line, p...)
}

func (w *PrefixWriter) emit() error {
	_, err := w.Sink.Write(w.line)
	w.line = w.line[:0]
	return err
}
