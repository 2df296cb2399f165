package session

import "sync"

// defaultScrollbackSize is the default amount of output retained per
// session for replay after a rebind (1 MB).
const defaultScrollbackSize = 1024 * 1024

type chunk struct {
	seq  uint64
	data []byte
}

// outputBuffer holds recent output as sequenced chunks. Sequence numbers
// start at 1 and are never reused, so a subscriber can resume from the last
// sequence it saw. When the retained size exceeds maxLen, the oldest chunks
// are dropped; the newest chunk is always kept.
type outputBuffer struct {
	mu      sync.Mutex
	chunks  []chunk
	size    int
	maxLen  int
	nextSeq uint64
	closed  bool
	changed chan struct{} // closed and replaced on every write or close
}

func newOutputBuffer(maxLen int) *outputBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &outputBuffer{
		maxLen:  maxLen,
		nextSeq: 1,
		changed: make(chan struct{}),
	}
}

// Write appends p as one chunk and returns its sequence number. Writes after
// Close are dropped and return 0.
func (b *outputBuffer) Write(p []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	seq := b.nextSeq
	b.nextSeq++
	b.chunks = append(b.chunks, chunk{seq: seq, data: p})
	b.size += len(p)
	for b.size > b.maxLen && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0].data)
		b.chunks[0] = chunk{}
		b.chunks = b.chunks[1:]
	}
	b.signal()
	return seq
}

func (b *outputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

// signal wakes every waiter. Caller holds b.mu.
func (b *outputBuffer) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// since returns the retained chunks with a sequence greater than after, the
// closed flag, and a channel that is closed on the next change. The three
// values are taken atomically, so a waiter cannot miss a write.
func (b *outputBuffer) since(after uint64) ([]chunk, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := len(b.chunks)
	for i > 0 && b.chunks[i-1].seq > after {
		i--
	}
	var out []chunk
	if i < len(b.chunks) {
		out = make([]chunk, len(b.chunks)-i)
		copy(out, b.chunks[i:])
	}
	return out, b.closed, b.changed
}

// LastSeq returns the sequence of the newest chunk, or 0 if nothing has
// been written.
func (b *outputBuffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Len returns the number of retained bytes.
func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
