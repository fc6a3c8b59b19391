package deploy

import (
	"io"

	"github.com/juju/ratelimit"
)

// ProgressCallback is invoked with the total number of bytes transferred so
// far. Callbacks are invoked sequentially with strictly increasing counts.
type ProgressCallback func(bytesSent int64)

// RateLimitReader wraps reader so that at most bytesPerSecond bytes are read
// per second. A zero or negative limit returns the reader unchanged.
func RateLimitReader(reader io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return reader
	}
	return ratelimit.Reader(reader, ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond))
}

// NewCountWriter creates a new CountWriter
func NewCountWriter(writer io.Writer) *CountWriter {
	return &CountWriter{
		Writer: writer,
	}
}

// CountWriter counts the bytes it has written, optionally reporting the
// running total to a callback after every completed write.
type CountWriter struct {
	io.Writer
	n          int64
	progressFn ProgressCallback
}

// SetProgressCallback sets a callback invoked after every write with the
// total byte count so far.
func (w *CountWriter) SetProgressCallback(fn ProgressCallback) {
	w.progressFn = fn
}

func (w *CountWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.n += int64(n)
	if n > 0 && w.progressFn != nil {
		w.progressFn(w.n)
	}
	return n, err
}

func (w *CountWriter) Count() int64 {
	return w.n
}
