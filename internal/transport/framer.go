package transport

import (
	"bytes"
)

// Writer is the non-blocking write capability the framer flushes into.
type Writer interface {
	TryWrite(p []byte) (int, error)
}

// Framer turns a byte stream into newline-terminated lines and buffers
// outgoing bytes that the transport could not take yet.
type Framer struct {
	in  []byte
	out []byte
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends received bytes.
func (f *Framer) Feed(p []byte) {
	f.in = append(f.in, p...)
}

// Next returns the next complete line without its terminator. A trailing
// partial line is kept until its newline arrives.
func (f *Framer) Next() (string, bool) {
	i := bytes.IndexByte(f.in, '\n')
	if i < 0 {
		return "", false
	}

	line := f.in[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	s := string(line)

	if i+1 == len(f.in) {
		f.in = f.in[:0]
	} else {
		f.in = f.in[i+1:]
	}
	return s, true
}

// Partial returns the number of buffered input bytes, complete lines
// included, not yet returned by Next.
func (f *Framer) Partial() int {
	return len(f.in)
}

// Enqueue buffers bytes for output.
func (f *Framer) Enqueue(p []byte) {
	f.out = append(f.out, p...)
}

// Pending returns the number of buffered output bytes.
func (f *Framer) Pending() int {
	return len(f.out)
}

// Flush hands as much buffered output to w as it accepts and keeps the rest.
func (f *Framer) Flush(w Writer) error {
	for len(f.out) > 0 {
		n, err := w.TryWrite(f.out)
		if n > 0 {
			f.out = f.out[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if len(f.out) == 0 {
		f.out = nil
	}
	return nil
}
