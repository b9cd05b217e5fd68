package bridge

import (
	"bytes"
	"sync"
)

// lineBuffer is the outbound accumulator for the primary stream. Bytes
// collect until a line terminator arrives; Append then releases
// everything through the last terminator and keeps the partial tail.
type lineBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Append adds p to the buffer and returns the released prefix, if any.
func (b *lineBuffer) Append(p []byte) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)

	content := b.buf.Bytes()
	idx := bytes.LastIndexByte(content, '\n')
	if idx == -1 {
		return "", false
	}

	released := string(content[:idx+1])
	rest := append([]byte(nil), content[idx+1:]...)
	b.buf.Reset()
	b.buf.Write(rest)
	return released, true
}

func (b *lineBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

// inboundQueue holds not-yet-delivered input for stream 0. Arrivals are
// concatenated byte-wise, never queued as discrete messages, so the
// module sees one contiguous stream with no chunk boundaries.
type inboundQueue struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (q *inboundQueue) AppendString(s string) {
	q.mu.Lock()
	q.buf.WriteString(s)
	q.mu.Unlock()
}

// Take consumes and returns up to max queued bytes. Anything not taken
// stays queued for the next call.
func (q *inboundQueue) Take(max int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || q.buf.Len() == 0 {
		return nil
	}
	n := q.buf.Len()
	if n > max {
		n = max
	}
	out := make([]byte, n)
	// bytes.Buffer.Read cannot fail for n <= Len.
	q.buf.Read(out)
	return out
}

func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}

func (q *inboundQueue) Reset() {
	q.mu.Lock()
	q.buf.Reset()
	q.mu.Unlock()
}
