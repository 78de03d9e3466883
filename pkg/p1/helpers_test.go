package p1

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const validPayload = "/ISK5\\2M550T-1012\r\n" +
	"\r\n" +
	"1-3:0.2.8(50)\r\n" +
	"0-0:1.0.0(240301101530W)\r\n" +
	"0-0:96.1.1(4530303434303037313331363530363138)\r\n" +
	"1-0:1.8.1(001581.123*kWh)\r\n" +
	"1-0:1.8.2(001435.706*kWh)\r\n" +
	"0-0:96.14.0(0002)\r\n" +
	"1-0:1.7.0(00.332*kW)\r\n" +
	"1-0:32.7.0(230.0*V)\r\n" +
	"0-1:24.2.1(240301101500W)(02287.117*m3)\r\n"

const noTimestampPayload = "/ISK5\\2M550T-1012\r\n" +
	"\r\n" +
	"1-0:1.8.1(001581.123*kWh)\r\n" +
	"1-0:1.7.0(00.332*kW)\r\n"

// frame wraps payload the way a meter puts it on the wire.
func frame(payload string) string {
	return fmt.Sprintf("%s!%04X\r\n", payload, FrameChecksum(payload, '!'))
}

type recorder struct {
	events []Event
}

func (r *recorder) listen(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// trace flattens events into comparable strings.
func (r *recorder) trace() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		switch e.Kind {
		case EventRawFrame:
			out = append(out, "reading-raw:"+e.Raw)
		case EventError:
			out = append(out, "error:"+e.Err.Kind.String())
		case EventReading:
			out = append(out, "reading:"+e.Telegram.Timestamp.String())
		default:
			out = append(out, e.Kind.String())
		}
	}
	return out
}

func newTestSession(t *testing.T, mutate func(*Config)) (*Session, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	rec := &recorder{}
	s.Subscribe(rec.listen)
	return s, rec
}
