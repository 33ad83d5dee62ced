// Package rows provides the staging buffer that receives fetched row
// batches on behalf of a statement consumer. The session's fetch loop
// inserts batches as replies arrive; the consumer drains rows at its own
// pace and learns about completion or failure from the drain result.
package rows

import (
	"sync"

	"github.com/eapache/queue"
)

// Buffer is a FIFO staging area for one statement's rows. Insert and Fail
// are called by the session loop and never block; Drain is called by the
// consumer. Close marks the consumer as terminated, which the session
// observes through Done to trigger statement cleanup.
type Buffer struct {
	mu       sync.Mutex
	batches  *queue.Queue
	complete bool
	err      error

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		batches: queue.New(),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Insert stages one batch. A true done flag marks the row stream complete;
// later inserts are ignored.
func (b *Buffer) Insert(batch [][]string, done bool) {
	b.mu.Lock()
	if b.complete || b.err != nil {
		b.mu.Unlock()
		return
	}
	if len(batch) > 0 {
		b.batches.Add(batch)
	}
	if done {
		b.complete = true
	}
	b.mu.Unlock()
	b.signal()
}

// Fail records a terminal fetch error. Staged rows remain drainable; the
// error surfaces once they are consumed.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	if b.err == nil && !b.complete {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

// Drain removes up to max rows (all staged rows when max <= 0). The second
// return is true once the stream completed and everything staged has been
// drained; the error, if any, is reported only after staged rows are gone.
func (b *Buffer) Drain(max int) ([][]string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]string
	for b.batches.Length() > 0 {
		batch := b.batches.Peek().([][]string)
		if max > 0 && len(out)+len(batch) > max {
			take := max - len(out)
			out = append(out, batch[:take]...)
			b.batches.Remove()
			if rest := batch[take:]; len(rest) > 0 {
				// Re-stage the remainder ahead of the other batches.
				requeued := queue.New()
				requeued.Add(rest)
				for b.batches.Length() > 0 {
					requeued.Add(b.batches.Remove())
				}
				b.batches = requeued
			}
			return out, false, nil
		}
		out = append(out, batch...)
		b.batches.Remove()
	}

	if b.err != nil {
		return out, false, b.err
	}
	return out, b.complete, nil
}

// Ready signals when new rows, completion, or an error arrive. The channel
// carries at most one pending notification.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Close marks the consumer as terminated. Idempotent.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.done) })
}

// Done is closed when the consumer has terminated.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

func (b *Buffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
