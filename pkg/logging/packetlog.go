package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/NotCoffee418/p1reader/pkg/pathing"
	"github.com/rs/zerolog"
)

// PacketLog appends every received packet and its decoded telegram to a
// file as JSON lines, for debugging meters that send unexpected data.
type PacketLog struct {
	mu      sync.Mutex
	closer  io.Closer
	logger  zerolog.Logger
	lastRaw string
}

func OpenPacketLog(path string) (*PacketLog, error) {
	if err := pathing.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open packet log: %w", err)
	}
	return NewPacketLog(f), nil
}

func NewPacketLog(w io.Writer) *PacketLog {
	p := &PacketLog{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
	if c, ok := w.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Listen is a p1.Listener. A raw frame is logged together with the
// outcome that follows it in the same cycle.
func (p *PacketLog) Listen(e p1.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case p1.EventRawFrame:
		p.lastRaw = e.Raw
	case p1.EventReading:
		p.logger.Log().
			Str("packet", p.lastRaw).
			RawJSON("parsed", e.Telegram.ToJsonBytes()).
			Msg("reading")
		p.lastRaw = ""
	case p1.EventError:
		ev := p.logger.Log().Str("kind", e.Err.Kind.String()).Str("error", e.Err.Error())
		if e.Err.Kind == p1.MissingTimestamp {
			ev = ev.Str("packet", p.lastRaw)
		}
		ev.Msg("error")
		p.lastRaw = ""
	}
}

func (p *PacketLog) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
