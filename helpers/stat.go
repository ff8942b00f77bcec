package helpers

import (
	"expvar"
	"io"
)

// StatReader adds bytes read to Size and successful non-empty reads to Count.
type StatReader struct {
	R     io.Reader
	Size  *expvar.Int
	Count *expvar.Int
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, size, count *expvar.Int) *StatReader {
	return &StatReader{R: r, Size: size, Count: count}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	sr.Size.Add(int64(n))
	if n > 0 && sr.Count != nil {
		sr.Count.Add(1)
	}
	return
}

type StatWriter struct {
	W     io.Writer
	Size  *expvar.Int
	Count *expvar.Int
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, size, count *expvar.Int) *StatWriter {
	return &StatWriter{W: w, Size: size, Count: count}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	sw.Size.Add(int64(n))
	if n > 0 && sw.Count != nil {
		sw.Count.Add(1)
	}
	return
}
