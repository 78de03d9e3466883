package p1

// Accumulator is the session's receive buffer. It is not safe for
// concurrent use; a Session only touches it from its processing goroutine.
type Accumulator struct {
	buf []byte
	max int
}

// NewAccumulator returns an empty buffer. max <= 0 disables the size limit.
func NewAccumulator(max int) *Accumulator {
	return &Accumulator{max: max}
}

func (a *Accumulator) Append(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Discard removes everything strictly before index. An index past the
// end empties the buffer.
func (a *Accumulator) Discard(index int) {
	if index <= 0 {
		return
	}
	if index >= len(a.buf) {
		a.buf = a.buf[:0]
		return
	}
	n := copy(a.buf, a.buf[index:])
	a.buf = a.buf[:n]
}

// Bytes exposes the current contents. The slice is only valid until the
// next Append or Discard.
func (a *Accumulator) Bytes() []byte {
	return a.buf
}

func (a *Accumulator) Len() int {
	return len(a.buf)
}

// Reset drops everything and reports how many bytes were discarded.
func (a *Accumulator) Reset() int {
	n := len(a.buf)
	a.buf = a.buf[:0]
	return n
}

// Overflowing reports whether the buffer grew past its limit.
func (a *Accumulator) Overflowing() bool {
	return a.max > 0 && len(a.buf) > a.max
}
