package progress

import (
	"io"
	"sync/atomic"
)

// Reader wraps an io.Reader and reports progress via a callback. The running
// byte count can be read concurrently with N.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	read           atomic.Int64
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader reports every interval bytes and once more when r is exhausted.
// A non-positive interval reports on every read.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		read := pr.read.Add(int64(n))
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			pr.report(read)
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.report(pr.read.Load())
	}

	return n, err
}

// N returns the number of bytes read so far.
func (pr *Reader) N() int64 {
	return pr.read.Load()
}

func (pr *Reader) report(read int64) {
	pr.lastReport = 0

	if pr.OnProgress != nil {
		pr.OnProgress(read, pr.Total)
	}
}
