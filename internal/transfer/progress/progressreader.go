package progress

import "io"

// Reader wraps an io.Reader and reports cumulative bytes read through a
// callback, at most once per reportInterval bytes.
type Reader struct {
	inner          io.Reader
	onProgress     func(read int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

func NewReader(r io.Reader, interval int64, cb func(read int64)) *Reader {
	if interval <= 0 {
		interval = 1 << 20
	}

	return &Reader{
		inner:          r,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.totalRead += int64(n)
		r.sinceReport += int64(n)

		if r.onProgress != nil && r.sinceReport >= r.reportInterval {
			r.onProgress(r.totalRead)
			r.sinceReport = 0
		}
	}

	return n, err
}

// Count returns the total bytes read so far.
func (r *Reader) Count() int64 {
	return r.totalRead
}
