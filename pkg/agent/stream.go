package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/user/selecta/pkg/sse"
)

// DecodeError reports a frame whose payload is not a valid event. It does not
// end the stream.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamItem is one element of a stream: either a decoded event or a
// non-fatal decode error.
type StreamItem struct {
	Event *Event
	Err   error
}

// Stream yields the events of one streaming run in arrival order.
type Stream struct {
	body   io.ReadCloser
	items  chan StreamItem
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewStream starts reading server-sent events from body. The body is closed
// when the stream ends, fails or is aborted through ctx or Close.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		body:   body,
		items:  make(chan StreamItem),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx)
	return s
}

// Events returns the channel of stream items. It is closed when the stream
// ends for any reason.
func (s *Stream) Events() <-chan StreamItem {
	return s.items
}

// Done is closed once the read loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport error that ended the stream. It is nil for a
// natural end of stream and for an aborted stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream and waits for the read loop to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.items)

	// a blocked read only returns once the body is closed
	stop := context.AfterFunc(ctx, func() { s.body.Close() })
	defer func() {
		stop()
		s.body.Close()
		s.cancel()
	}()

	dec := sse.NewDecoder(s.body)
	for {
		payload, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.setErr(fmt.Errorf("reading event stream: %w", err))
			}
			return
		}

		var item StreamItem
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			item.Err = &DecodeError{Payload: payload, Err: err}
		} else {
			item.Event = &ev
		}

		select {
		case s.items <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
