package broadcast

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring struct {
	buf  []Message
	head int
	n    int
}

func newRing(capacity int) ring {
	return ring{buf: make([]Message, capacity)}
}

// push appends msg and reports whether the oldest element was evicted.
func (r *ring) push(msg Message) bool {
	if len(r.buf) == 0 {
		return true
	}
	if r.n == len(r.buf) {
		r.buf[r.head] = msg
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = msg
	r.n++
	return false
}

func (r *ring) pop() (Message, bool) {
	if r.n == 0 {
		return Message{}, false
	}
	msg := r.buf[r.head]
	r.buf[r.head] = Message{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return msg, true
}

func (r *ring) len() int { return r.n }
