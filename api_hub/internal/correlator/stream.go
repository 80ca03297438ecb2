package correlator

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream is the consumer side of a streaming command. Chunks arrive in the
// order the device pushed them.
type Stream struct {
	correlator *Correlator
	id         uuid.UUID
	items      chan json.RawMessage
	finished   chan struct{}

	mu    sync.Mutex
	once  sync.Once
	err   error
	timer *time.Timer
	done  bool
}

// ID returns the command id, which doubles as the execution id.
func (s *Stream) ID() uuid.UUID {
	return s.id
}

func (s *Stream) setTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		t.Stop()
		return
	}
	s.timer = t
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.err = err
		s.mu.Unlock()
		close(s.finished)
	})
}

// Next returns the next chunk. After the device ends the stream, buffered
// chunks are drained first, then Next returns io.EOF or the stream error.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case item := <-s.items:
		return item, nil
	default:
	}

	select {
	case item := <-s.items:
		return item, nil
	case <-s.finished:
		select {
		case item := <-s.items:
			return item, nil
		default:
		}
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the stream and purges its pending entry. Later chunks
// from the device are treated as stale.
func (s *Stream) Close() {
	if p := s.correlator.take(s.id, "", ""); p != nil {
		s.correlator.observe(p, ErrStreamClosed)
	}
	s.finish(ErrStreamClosed)
}
