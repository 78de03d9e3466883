package p1

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/telegram"
	"github.com/rs/zerolog"
)

var (
	ErrSameSentinels = errors.New("p1: start and stop character must differ")
	ErrNoSentinel    = errors.New("p1: start and stop character must be set")
)

type State int

const (
	Disconnected State = iota
	// Connecting means the transport is open but no valid telegram was seen yet.
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is fixed for the lifetime of a session.
type Config struct {
	StartChar   byte
	StopChar    byte
	CRCRequired bool

	// MaxBufferSize bounds the receive buffer and so the largest telegram,
	// counted from start character through checksum. 0 disables the limit.
	MaxBufferSize int
	// InactivityTimeout discards a partial telegram when no bytes arrived
	// for this long. 0 disables it. Only used by Run.
	InactivityTimeout time.Duration
	// MaxConsecutiveReadErrors closes the session in Run. 0 means no limit.
	MaxConsecutiveReadErrors int
	// ReadErrorDelay is how long Run waits before reading again after an error.
	ReadErrorDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartChar:                '/',
		StopChar:                 '!',
		CRCRequired:              true,
		MaxBufferSize:            64 * 1024,
		MaxConsecutiveReadErrors: 10,
		ReadErrorDelay:           time.Second,
	}
}

func (c Config) Validate() error {
	if c.StartChar == 0 || c.StopChar == 0 {
		return ErrNoSentinel
	}
	if c.StartChar == c.StopChar {
		return ErrSameSentinels
	}
	if c.MaxBufferSize < 0 {
		return fmt.Errorf("p1: negative max buffer size %d", c.MaxBufferSize)
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("p1: negative inactivity timeout %s", c.InactivityTimeout)
	}
	return nil
}

// Decoder turns a validated payload into a telegram. A telegram without a
// timestamp is reported as an invalid reading.
type Decoder interface {
	Decode(payload string) *telegram.Telegram
}

// Listener receives every event of a session, in emission order. It runs
// on the session's processing goroutine and must not subscribe or
// unsubscribe from within the callback.
type Listener func(Event)

type Option func(*Session)

func WithDecoder(d Decoder) Option {
	return func(s *Session) {
		s.decoder = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session assembles telegrams from a single byte stream and dispatches the
// outcome to its listeners. The Handle* methods must be called from one
// goroutine at a time; State and Subscribe are safe from anywhere.
type Session struct {
	cfg       Config
	acc       *Accumulator
	locator   *Locator
	validator Validator
	decoder   Decoder
	logger    zerolog.Logger

	stateMu sync.RWMutex
	state   State

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	acc := NewAccumulator(cfg.MaxBufferSize)
	s := &Session{
		cfg:       cfg,
		acc:       acc,
		locator:   NewLocator(acc, cfg.StartChar, cfg.StopChar),
		validator: Validator{Required: cfg.CRCRequired, Trailer: cfg.StopChar},
		decoder:   telegram.NewDecoder(),
		logger:    zerolog.Nop(),
		state:     Disconnected,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Subscribe registers l and returns a function that removes it again.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Events delivers the session's events on a channel. A full channel blocks
// the session until the consumer catches up. cancel stops delivery and
// closes the channel.
func (s *Session) Events(buffer int) (events <-chan Event, cancel func()) {
	out := make(chan Event, buffer)
	done := make(chan struct{})
	unsubscribe := s.Subscribe(func(e Event) {
		select {
		case out <- e:
		case <-done:
		}
	})

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			// Waits for an in-flight dispatch, so nothing sends on out after this.
			unsubscribe()
			close(out)
		})
	}
}

func (s *Session) emit(e Event) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	// Map order is random; deliver in subscription order.
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			l(e)
		}
	}
}

func (s *Session) emitError(kind ErrorKind, detail string, cause error) {
	s.emit(Event{Kind: EventError, Err: &Error{Kind: kind, Detail: detail, Err: cause}})
}

// HandleOpen starts a new session on a freshly opened transport.
func (s *Session) HandleOpen() {
	s.acc.Reset()
	s.setState(Connecting)
	s.logger.Debug().Msg("Serial connection established")
	s.emit(Event{Kind: EventOpened})
}

// HandleData feeds a chunk and drains every telegram it completes.
// Data arriving while disconnected is ignored.
func (s *Session) HandleData(chunk []byte) {
	if s.State() == Disconnected {
		s.logger.Debug().Int("bytes", len(chunk)).Msg("Dropping data received while disconnected")
		return
	}

	s.acc.Append(chunk)
	for {
		result, candidate := s.locator.TryExtract()
		switch result {
		case NoFrame:
			s.checkOverflow()
			return
		case Resynchronized:
			s.logger.Debug().Msg("Stray stop character, resynchronized")
		case CandidateFound:
			s.handleCandidate(candidate)
		}
	}
}

// checkOverflow enforces MaxBufferSize on the pending telegram. Bytes before
// its start character are dropped silently, as extraction would drop them
// once the telegram completes. Together with the size check on complete
// candidates this reports an oversized telegram exactly once, however it
// was chunked.
func (s *Session) checkOverflow() {
	if !s.acc.Overflowing() {
		return
	}
	startPos := bytes.IndexByte(s.acc.Bytes(), s.cfg.StartChar)
	if startPos < 0 {
		n := s.acc.Reset()
		s.logger.Debug().Int("bytes", n).Msg("Discarding bytes outside a telegram")
		return
	}
	s.acc.Discard(startPos)
	if !s.acc.Overflowing() {
		return
	}
	n := s.acc.Reset()
	s.logger.Warn().Int("bytes", n).Msg("Receive buffer exceeded, discarding")
	s.emitError(FrameTooLarge, fmt.Sprintf("discarded %d bytes without a complete telegram", n), nil)
}

func (s *Session) handleCandidate(c Candidate) {
	if size := c.Size(); s.cfg.MaxBufferSize > 0 && size > s.cfg.MaxBufferSize {
		s.logger.Warn().Int("bytes", size).Msg("Telegram exceeds buffer limit, discarding")
		s.emitError(FrameTooLarge, fmt.Sprintf("telegram of %d bytes exceeds limit of %d", size, s.cfg.MaxBufferSize), nil)
		return
	}
	if !s.validator.ValidateCandidate(c) {
		s.logger.Debug().Str("crc", c.CRCToken).Msg("Invalid CRC, skipping telegram")
		detail := fmt.Sprintf("received %q, calculated %04X", c.CRCToken, FrameChecksum(c.Payload, s.validator.Trailer))
		s.emitError(ChecksumMismatch, detail, nil)
		return
	}

	t := s.decoder.Decode(c.Payload)
	s.emit(Event{Kind: EventRawFrame, Raw: c.Payload})

	if !t.HasTimestamp() {
		s.emitError(MissingTimestamp, "telegram has no timestamp", nil)
		return
	}

	if s.State() == Connecting {
		s.setState(Connected)
		s.logger.Info().Msg("Connection with Smart Meter established")
		s.emit(Event{Kind: EventConnected})
	}
	s.emit(Event{Kind: EventReading, Telegram: t})
}

// HandleError forwards a transport error. It does not close the session.
func (s *Session) HandleError(err error) {
	if err == nil {
		return
	}
	s.logger.Debug().Err(err).Msg("Error emitted")
	s.emitError(TransportError, err.Error(), err)
}

// HandleClose ends the session. A partially received telegram is dropped
// silently. Closing an already closed session is a no-op.
func (s *Session) HandleClose() {
	if s.State() == Disconnected {
		return
	}
	s.acc.Reset()
	s.setState(Disconnected)
	s.logger.Debug().Msg("Connection closed")
	s.emit(Event{Kind: EventClosed})
}

// discardStalled drops a partial telegram that stopped arriving. Leftovers
// without a start character, like the line break after a checksum, are
// dropped without an event.
func (s *Session) discardStalled() {
	if s.acc.Len() == 0 {
		return
	}
	if bytes.IndexByte(s.acc.Bytes(), s.cfg.StartChar) < 0 {
		s.acc.Reset()
		return
	}
	n := s.acc.Reset()
	s.logger.Warn().Int("bytes", n).Dur("timeout", s.cfg.InactivityTimeout).Msg("Partial telegram stalled, discarding")
	s.emitError(StalledFrame, fmt.Sprintf("no data for %s, discarded %d bytes", s.cfg.InactivityTimeout, n), nil)
}
