package ksys

import (
	"sync"

	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/zerr"
)

// RemoteQueue is one CPU's bounded inbox for descriptors whose handle
// belongs to it but that arrived from another CPU's application batch
// (spec.md §4.4 item 2, §5's "ksys_remote"). Producers are any CPU;
// the consumer is only the owning CPU's own Sink.Process loop.
type RemoteQueue struct {
	mu       sync.Mutex
	buf      []proto.Descriptor
	capacity int
}

func NewRemoteQueue(capacity int) *RemoteQueue {
	return &RemoteQueue{capacity: capacity}
}

// Push enqueues d, returning zerr(NOMEM) if the bounded queue is full —
// the non-blocking contract means a genuinely full queue cannot be waited
// on (spec.md §5).
func (q *RemoteQueue) Push(d proto.Descriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.capacity {
		return zerr.New(proto.ErrNoMem, "remote ksys queue full")
	}
	q.buf = append(q.buf, d)
	return nil
}

// DrainAll removes and returns every descriptor presently queued.
func (q *RemoteQueue) DrainAll() []proto.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}
