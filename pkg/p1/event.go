package p1

import (
	"fmt"

	"github.com/NotCoffee418/p1reader/pkg/telegram"
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventConnected
	EventRawFrame
	EventReading
	EventError
	EventClosed
)

var eventKindNames = map[EventKind]string{
	EventOpened:    "open",
	EventConnected: "connected",
	EventRawFrame:  "reading-raw",
	EventReading:   "reading",
	EventError:     "error",
	EventClosed:    "close",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	if _, ok := eventKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	for kind, name := range eventKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(text))
}

// Event is a notification emitted by a Session. At most one of Raw,
// Telegram and Err is set, depending on Kind.
type Event struct {
	Kind     EventKind          `json:"type"`
	Raw      string             `json:"raw,omitempty"`
	Telegram *telegram.Telegram `json:"telegram,omitempty"`
	Err      *Error             `json:"error,omitempty"`
}

type ErrorKind int

const (
	ChecksumMismatch ErrorKind = iota + 1
	MissingTimestamp
	TransportError
	FrameTooLarge
	StalledFrame
)

var errorKindNames = map[ErrorKind]string{
	ChecksumMismatch: "checksum_mismatch",
	MissingTimestamp: "missing_timestamp",
	TransportError:   "transport_error",
	FrameTooLarge:    "frame_too_large",
	StalledFrame:     "stalled_frame",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	if _, ok := errorKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown error kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range errorKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", string(text))
}

// Error is the payload of an EventError.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	// Err is the transport error for TransportError, nil otherwise.
	Err error `json:"-"`
}

// Error returns the historical reason strings so consumers matching on
// text keep working.
func (e *Error) Error() string {
	switch e.Kind {
	case ChecksumMismatch:
		return "Invalid CRC"
	case MissingTimestamp:
		return "Invalid reading"
	case TransportError:
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Detail
	case FrameTooLarge:
		return "Frame too large"
	case StalledFrame:
		return "Stalled frame"
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
