package supervisor

import (
	"sync"

	"github.com/procwire/procwire/wire"
)

// Status is one decoded event for a supervised process.
type Status struct {
	Tag     uint32
	Kind    wire.Kind
	Value   int32
	Payload []byte
}

// Terminal reports whether this is the process's terminal message.
func (s Status) Terminal() bool { return s.Kind.Terminal() }

// Stdout reports whether this is a stdout chunk.
func (s Status) Stdout() bool {
	return s.Kind == wire.KindOutput && s.Value == wire.StreamStdout
}

// Stderr reports whether this is a stderr chunk.
func (s Status) Stderr() bool {
	return s.Kind == wire.KindOutput && s.Value == wire.StreamStderr
}

// Sink receives a process's status messages in wire order. Put is called
// only from the dispatch loop and must not block indefinitely: a sink that
// stalls stalls delivery for every other process. Implement Sink to merge
// statuses into a caller-owned queue; otherwise the default Queue is used.
type Sink interface {
	Put(Status)
}

// Queue is the default sink: an unbounded FIFO drained through a channel.
// The end-of-status sentinel is delivered as the final element and then the
// channel is closed, so consumers never race a bare close against data.
//
// The drain goroutine starts on the first Messages call, so a queue whose
// stream is never read costs no goroutine and can simply be dropped.
type Queue struct {
	mu   sync.Mutex
	buf  []Status
	wake chan struct{}
	out  chan Status
	stop chan struct{}

	start sync.Once
	halt  sync.Once
}

// NewQueue returns a Queue ready to receive statuses.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan Status),
		stop: make(chan struct{}),
	}
}

// Put appends one status. It never blocks.
func (q *Queue) Put(st Status) {
	q.mu.Lock()
	q.buf = append(q.buf, st)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Messages returns the consumer side of the queue, starting delivery on the
// first call. Received statuses are in delivery order; the channel closes
// after the end-of-status sentinel.
func (q *Queue) Messages() <-chan Status {
	q.start.Do(func() { go q.drain() })
	return q.out
}

// Close abandons the queue: buffered statuses are dropped, the Messages
// channel is closed (possibly without the sentinel having been delivered),
// and the drain goroutine is released. For owners that walked away from the
// stream; it is not a substitute for draining it.
func (q *Queue) Close() {
	q.halt.Do(func() { close(q.stop) })
	// The drain goroutine owns closing out; start it if nobody has, so a
	// consumer blocked on Messages still observes the close.
	q.start.Do(func() { go q.drain() })
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		for len(q.buf) > 0 {
			st := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			select {
			case q.out <- st:
			case <-q.stop:
				close(q.out)
				return
			}
			if st.Kind == wire.KindEndOfStatus {
				close(q.out)
				return
			}
			q.mu.Lock()
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-q.stop:
			close(q.out)
			return
		}
	}
}
