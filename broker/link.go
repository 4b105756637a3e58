package broker

import (
	"sync"

	"github.com/mqy/minichat/ws"
)

// frameSink owns the frames channel of a link. Pushers never block a shutdown, and the
// channel is closed exactly once.
type frameSink struct {
	mu     sync.RWMutex
	frames chan *ws.Frame
	stopC  chan struct{}
	once   sync.Once
	closed bool
	err    error
}

func newFrameSink() *frameSink {
	return &frameSink{
		frames: make(chan *ws.Frame, 64),
		stopC:  make(chan struct{}),
	}
}

func (s *frameSink) push(f *ws.Frame) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	case <-s.stopC:
		return false
	}
}

func (s *frameSink) shutdown(err error) {
	s.once.Do(func() {
		close(s.stopC)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.frames)
		s.mu.Unlock()
	})
}

func (s *frameSink) done() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *frameSink) Frames() <-chan *ws.Frame { return s.frames }

func (s *frameSink) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
