package client

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/koltyakov/duplex/internal/hubproto"
)

// clientStream hands server stream elements to the consumer. The read loop
// appends to an unbounded queue and never waits on the consumer, so a slow
// handler cannot hold back completions for the same connection. Only forward
// closes the consumer channels.
type clientStream struct {
	mu      sync.Mutex
	pending *queue.Queue
	ended   bool
	endErr  error
	gone    bool

	wake  chan struct{}
	items chan hubproto.RawMessage
	errs  chan error
}

func newClientStream() *clientStream {
	return &clientStream{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		items:   make(chan hubproto.RawMessage, streamBufferSize),
		errs:    make(chan error, 1),
	}
}

// push queues one element. Elements arriving after the consumer left or
// after end are dropped.
func (s *clientStream) push(item hubproto.RawMessage) {
	s.mu.Lock()
	if s.gone || s.ended {
		s.mu.Unlock()
		return
	}
	s.pending.Add(item)
	s.mu.Unlock()
	s.signal()
}

// end finishes the stream after the queued elements. Only the first call counts.
func (s *clientStream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended, s.endErr = true, err
	s.mu.Unlock()
	s.signal()
}

// fail finishes a stream that never started.
func (s *clientStream) fail(err error) {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
	close(s.items)
	s.errs <- err
	close(s.errs)
}

func (s *clientStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued element. ok is false when the queue is empty;
// done then reports whether end was called.
func (s *clientStream) next() (item hubproto.RawMessage, ok, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Length() > 0 {
		return s.pending.Remove().(hubproto.RawMessage), true, false, nil
	}
	return nil, false, s.ended, s.endErr
}

func (s *clientStream) forward(ctx context.Context, onCancel func()) {
	defer close(s.errs)
	defer close(s.items)
	defer func() {
		s.mu.Lock()
		s.gone = true
		s.pending = queue.New()
		s.mu.Unlock()
	}()

	cancelled := func() {
		onCancel()
		s.errs <- ctx.Err()
	}
	for {
		item, ok, done, err := s.next()
		if ok {
			select {
			case s.items <- item:
			case <-ctx.Done():
				cancelled()
				return
			}
			continue
		}
		if done {
			if err != nil {
				s.errs <- err
			}
			return
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			cancelled()
			return
		}
	}
}
