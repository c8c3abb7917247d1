package orchestrator

import "sync"

// ChannelSink multiplexes every task's events onto one channel. Sends block
// until the subscriber receives, which keeps each task's events in order.
type ChannelSink struct {
	mu        sync.RWMutex
	ch        chan TaskEvent
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewChannelSink creates a ChannelSink with the given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		ch:   make(chan TaskEvent, buffer),
		done: make(chan struct{}),
	}
}

// Sink returns the EventSink to pass to the orchestrator
func (s *ChannelSink) Sink() EventSink {
	return func(ev TaskEvent) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// Events returns the subscription channel
func (s *ChannelSink) Events() <-chan TaskEvent {
	return s.ch
}

// Close closes the channel. Events published afterwards, or blocked on a
// subscriber that stopped reading, are dropped.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MultiSink fans events out to several sinks in order
func MultiSink(sinks ...EventSink) EventSink {
	return func(ev TaskEvent) {
		for _, sink := range sinks {
			if sink != nil {
				sink(ev)
			}
		}
	}
}
