package socket

// Buffer accumulates bytes. Readers see everything not yet consumed and
// consume from the head.
type Buffer struct {
	b []byte
}

// Bytes returns the unconsumed bytes. The slice is valid until the next
// Append, Consume or Reset.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Append copies p to the tail.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// Consume drops n bytes from the head. n is clamped to Len.
func (b *Buffer) Consume(n int) {
	if n >= len(b.b) {
		b.b = nil
		return
	}
	if n > 0 {
		b.b = b.b[n:]
	}
}

// Reset drops everything.
func (b *Buffer) Reset() {
	b.b = nil
}
