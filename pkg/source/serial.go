package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rs/zerolog"
)

// Serial reads telegrams from a P1 port.
type Serial struct {
	PortName string
	BaudRate uint
	DataBits uint
	StopBits uint
	// Parity is "none", "even" or "odd".
	Parity string

	Logger zerolog.Logger
}

func ParseParity(parity string) (serial.ParityMode, error) {
	switch strings.ToLower(strings.TrimSpace(parity)) {
	case "", "none", "n":
		return serial.PARITY_NONE, nil
	case "even", "e":
		return serial.PARITY_EVEN, nil
	case "odd", "o":
		return serial.PARITY_ODD, nil
	default:
		return serial.PARITY_NONE, fmt.Errorf("unsupported parity %q", parity)
	}
}

func (s *Serial) options() (serial.OpenOptions, error) {
	parity, err := ParseParity(s.Parity)
	if err != nil {
		return serial.OpenOptions{}, err
	}

	options := serial.OpenOptions{
		PortName:        s.PortName,
		BaudRate:        s.BaudRate,
		DataBits:        s.DataBits,
		StopBits:        s.StopBits,
		ParityMode:      parity,
		MinimumReadSize: 1,
	}
	if options.DataBits == 0 {
		options.DataBits = 8
	}
	if options.StopBits == 0 {
		options.StopBits = 1
	}
	return options, nil
}

// Open the connection to the P1 port.
func (s *Serial) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options, err := s.options()
	if err != nil {
		return nil, fmt.Errorf("invalid serial options: %w", err)
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	s.Logger.Info().
		Str("port", s.PortName).
		Uint("baudrate", options.BaudRate).
		Str("parity", s.Parity).
		Uint("databits", options.DataBits).
		Uint("stopbits", options.StopBits).
		Msg("Connected to P1 port")
	return port, nil
}
