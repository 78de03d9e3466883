package p1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const readBufferSize = 512

// ByteSource opens the transport a session reads from. The serial port
// and the emulator are interchangeable implementations.
type ByteSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

var ErrTooManyReadErrors = errors.New("p1: too many consecutive read errors")

// Run opens src and feeds everything it produces into the session until
// ctx is cancelled, the source reports EOF, or too many reads fail in a
// row. The session is closed when Run returns. A failure to open src is
// emitted as a transport error and returned.
func (s *Session) Run(ctx context.Context, src ByteSource) error {
	rc, err := src.Open(ctx)
	if err != nil {
		s.HandleError(err)
		return fmt.Errorf("failed to open byte source: %w", err)
	}
	defer rc.Close()

	done := make(chan struct{})
	defer close(done)

	chunks := make(chan []byte)
	readErrs := make(chan error)
	go s.readLoop(rc, chunks, readErrs, done)

	s.HandleOpen()
	defer s.HandleClose()

	var idle <-chan time.Time
	resetIdle := func() {
		if s.cfg.InactivityTimeout > 0 {
			idle = time.After(s.cfg.InactivityTimeout)
		}
	}
	resetIdle()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Stop signal received, disconnecting")
			return nil

		case chunk := <-chunks:
			consecutiveErrors = 0
			s.HandleData(chunk)
			resetIdle()

		case err := <-readErrs:
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			consecutiveErrors++
			s.logger.Warn().Err(err).
				Int("attempt", consecutiveErrors).
				Int("max", s.cfg.MaxConsecutiveReadErrors).
				Msg("Error reading from byte source")
			s.HandleError(err)
			if s.cfg.MaxConsecutiveReadErrors > 0 && consecutiveErrors >= s.cfg.MaxConsecutiveReadErrors {
				return fmt.Errorf("%w: %w", ErrTooManyReadErrors, err)
			}

		case <-idle:
			idle = nil
			s.discardStalled()
		}
	}
}

// readLoop owns rc.Read so the processing goroutine never blocks on the transport.
func (s *Session) readLoop(rc io.Reader, chunks chan<- []byte, readErrs chan<- error, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
		if err == nil {
			continue
		}

		select {
		case readErrs <- err:
		case <-done:
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return
		}

		select {
		case <-time.After(s.cfg.ReadErrorDelay):
		case <-done:
			return
		}
	}
}
