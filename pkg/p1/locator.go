package p1

import (
	"bytes"
	"strconv"
)

// crcTokenLen is the number of hex digits following the stop character.
const crcTokenLen = 4

type ExtractResult int

const (
	// NoFrame means more bytes are needed.
	NoFrame ExtractResult = iota
	// Resynchronized means a stray stop character was dropped together with
	// everything before it. Extraction should be retried right away.
	Resynchronized
	// CandidateFound means a framed telegram was cut from the buffer.
	CandidateFound
)

func (r ExtractResult) String() string {
	switch r {
	case NoFrame:
		return "no-frame"
	case Resynchronized:
		return "resynchronized"
	case CandidateFound:
		return "candidate"
	default:
		return "unknown"
	}
}

// Candidate is a frame cut out of the stream whose checksum is not yet verified.
type Candidate struct {
	// Payload runs from the start character up to, not including, the stop character.
	Payload string
	// CRCToken is the raw checksum text as received.
	CRCToken string
	// ExpectedCRC is CRCToken parsed as hex. Only meaningful when TokenValid.
	ExpectedCRC uint16
	TokenValid  bool
}

// Size is the framed length from start character through checksum.
func (c Candidate) Size() int {
	return len(c.Payload) + 1 + len(c.CRCToken)
}

// Locator finds telegram boundaries in an Accumulator.
type Locator struct {
	acc   *Accumulator
	start byte
	stop  byte
}

func NewLocator(acc *Accumulator, start, stop byte) *Locator {
	return &Locator{acc: acc, start: start, stop: stop}
}

// TryExtract performs one extraction attempt against the accumulator.
// Every byte of an inspected candidate is consumed whether or not its
// checksum later turns out to be valid.
func (l *Locator) TryExtract() (ExtractResult, Candidate) {
	buf := l.acc.Bytes()

	stopPos := bytes.IndexByte(buf, l.stop)
	if stopPos < 0 {
		return NoFrame, Candidate{}
	}

	startPos := bytes.IndexByte(buf[:stopPos], l.start)
	if startPos < 0 {
		// Remnant of a truncated telegram
		l.acc.Discard(stopPos + 1)
		return Resynchronized, Candidate{}
	}

	tokenEnd := stopPos + 1 + crcTokenLen
	if len(buf) < tokenEnd {
		return NoFrame, Candidate{}
	}

	c := Candidate{
		Payload:  string(buf[startPos:stopPos]),
		CRCToken: string(buf[stopPos+1 : tokenEnd]),
	}
	if crc, err := strconv.ParseUint(c.CRCToken, 16, 16); err == nil {
		c.ExpectedCRC = uint16(crc)
		c.TokenValid = true
	}

	l.acc.Discard(tokenEnd)
	return CandidateFound, c
}
