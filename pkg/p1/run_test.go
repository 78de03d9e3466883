package p1

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeSource struct {
	r *io.PipeReader
}

func (p pipeSource) Open(context.Context) (io.ReadCloser, error) {
	return p.r, nil
}

type failingSource struct {
	err error
}

func (f failingSource) Open(context.Context) (io.ReadCloser, error) {
	return nil, f.err
}

type brokenReader struct {
	err error
}

func (b brokenReader) Read([]byte) (int, error) { return 0, b.err }
func (b brokenReader) Close() error             { return nil }

type brokenSource struct {
	err error
}

func (b brokenSource) Open(context.Context) (io.ReadCloser, error) {
	return brokenReader{err: b.err}, nil
}

func runAsync(s *Session, ctx context.Context, src ByteSource) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.Run(ctx, src)
	}()
	return result
}

func waitFor(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunUntilEOF(t *testing.T) {
	s, rec := newTestSession(t, nil)
	pr, pw := io.Pipe()
	result := runAsync(s, context.Background(), pipeSource{r: pr})

	full := frame(validPayload)
	_, err := pw.Write([]byte(full[:25]))
	require.NoError(t, err)
	_, err = pw.Write([]byte(full[25:]))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, []EventKind{EventOpened, EventRawFrame, EventConnected, EventReading, EventClosed}, rec.kinds())
	assert.Equal(t, Disconnected, s.State())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestSession(t, nil)
	events, cancelEvents := s.Events(32)
	defer cancelEvents()

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(s, ctx, pipeSource{r: pr})

	go pw.Write([]byte(frame(validPayload)))
	waitFor(t, events, EventReading)
	assert.Equal(t, Connected, s.State())

	cancel()
	require.NoError(t, waitResult(t, result))
	waitFor(t, events, EventClosed)
	assert.Equal(t, Disconnected, s.State())
}

func TestRunOpenFailure(t *testing.T) {
	s, rec := newTestSession(t, nil)
	cause := errors.New("open /dev/ttyUSB0: no such file or directory")

	err := s.Run(context.Background(), failingSource{err: cause})
	require.ErrorIs(t, err, cause)
	require.Equal(t, []EventKind{EventError}, rec.kinds())
	assert.Equal(t, TransportError, rec.events[0].Err.Kind)
	assert.Equal(t, Disconnected, s.State())
}

func TestRunGivesUpAfterConsecutiveReadErrors(t *testing.T) {
	s, rec := newTestSession(t, func(c *Config) {
		c.MaxConsecutiveReadErrors = 3
		c.ReadErrorDelay = time.Millisecond
	})
	cause := errors.New("device reports readiness to read but returned no data")

	err := s.Run(context.Background(), brokenSource{err: cause})
	require.ErrorIs(t, err, ErrTooManyReadErrors)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []EventKind{EventOpened, EventError, EventError, EventError, EventClosed}, rec.kinds())
}

func TestRunDiscardsStalledFrame(t *testing.T) {
	s, _ := newTestSession(t, func(c *Config) { c.InactivityTimeout = 50 * time.Millisecond })
	events, cancelEvents := s.Events(32)
	defer cancelEvents()

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := runAsync(s, ctx, pipeSource{r: pr})

	full := frame(validPayload)
	go pw.Write([]byte(full[:60]))

	e := waitFor(t, events, EventError)
	assert.Equal(t, StalledFrame, e.Err.Kind)
	assert.Equal(t, "Stalled frame", e.Err.Error())

	// The rest of the dropped telegram resynchronizes, the next one is read.
	go pw.Write([]byte(full[60:] + full))
	waitFor(t, events, EventReading)

	cancel()
	require.NoError(t, waitResult(t, result))
}
