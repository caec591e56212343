package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 256

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Each subscription has a buffered channel; when it is full the message is
// dropped for that subscriber only.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	bufSize int
	closed  bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a MemoryBus. A bufSize <= 0 selects the default.
func NewMemoryBus(bufSize int) *MemoryBus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &MemoryBus{
		subs:    make(map[*memorySub]struct{}),
		bufSize: bufSize,
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs {
		if !Match(sub.pattern, channel) {
			continue
		}
		msg := Message{
			Channel: channel,
			Pattern: sub.pattern,
			Payload: append([]byte(nil), payload...),
		}
		sub.send(msg)
	}

	return nil
}

// PSubscribe implements Bus.
func (b *MemoryBus) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		pattern: pattern,
		ch:      make(chan Message, b.bufSize),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		sub.close()
	}
	b.subs = make(map[*memorySub]struct{})

	return nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *memorySub) Receive(ctx context.Context) (Message, error) {
	// drain buffered messages before reporting closure
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// send delivers without blocking. A full buffer drops the message.
func (s *memorySub) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
	}
}
