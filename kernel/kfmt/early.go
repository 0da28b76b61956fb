package kfmt

import (
	"bytes"
	"io"
)

// earlyBufferSize is the amount of console output kept before a sink is
// attached.
const earlyBufferSize = 4096

// earlyBuffer holds the most recent console output until a sink is attached.
// When it runs out of space the oldest lines are discarded whole.
type earlyBuffer struct {
	data    []byte
	dropped int
}

// Write appends p to the buffer, discarding old output as needed.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	if len(p) >= earlyBufferSize {
		b.dropped += len(b.data) + len(p) - earlyBufferSize
		b.data = append(b.data[:0], p[len(p)-earlyBufferSize:]...)
		return len(p), nil
	}

	if overflow := len(b.data) + len(p) - earlyBufferSize; overflow > 0 {
		cut := len(b.data)
		if nl := bytes.IndexByte(b.data[overflow:], '\n'); nl >= 0 {
			cut = overflow + nl + 1
		}

		b.dropped += cut
		b.data = append(b.data[:0], b.data[cut:]...)
	}

	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteTo drains the buffer into w. If output was discarded, a notice
// saying how much is written first.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	var written int64

	if b.dropped != 0 {
		var notice printer
		notice.format("[kfmt] %d bytes of early output dropped\n", []interface{}{b.dropped})
		n, err := w.Write(notice.buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	n, err := w.Write(b.data)
	written += int64(n)

	b.data, b.dropped = b.data[:0], 0
	return written, err
}
