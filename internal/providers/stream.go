package providers

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrStreamClosed = errors.New("stream closed")

type produceFunc func(ctx context.Context, emit func(string) error) (Usage, error)

type chanStream struct {
	frags  chan string
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once

	// written by the producer before frags is closed
	err   error
	usage Usage
}

func startStream(ctx context.Context, produce produceFunc) *chanStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &chanStream{frags: make(chan string, 16), cancel: cancel}
	go func() {
		defer close(s.frags)
		emit := func(frag string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if frag == "" {
				return nil
			}
			select {
			case s.frags <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.usage, s.err = produce(ctx, emit)
	}()
	return s
}

func (s *chanStream) Recv() (string, error) {
	if s.closed.Load() {
		return "", ErrStreamClosed
	}
	frag, ok := <-s.frags
	if ok {
		return frag, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Usage is meaningful once Recv has returned io.EOF.
func (s *chanStream) Usage() Usage {
	return s.usage
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		go func() {
			for range s.frags {
			}
		}()
	})
	return nil
}

// wordStream splits text into word fragments; used by providers without a
// native streaming endpoint.
func wordStream(ctx context.Context, text string, usage Usage) *chanStream {
	return startStream(ctx, func(ctx context.Context, emit func(string) error) (Usage, error) {
		fields := strings.SplitAfter(text, " ")
		for _, f := range fields {
			if err := emit(f); err != nil {
				return Usage{}, err
			}
		}
		return usage, nil
	})
}
