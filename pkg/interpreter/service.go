// Package interpreter subscribes to the interpreter API's websocket feed
// and hands every session event to a callback, reconnecting when the
// connection drops.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrMaxRetries = errors.New("interpreter: max connection retries reached")

type ListenerOptions struct {
	// Host is host:port of the interpreter API.
	Host string
	TLS  bool

	// MaxRetries consecutive failed dials end the listener. 0 retries forever.
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// ReadTimeout drops a connection that stayed silent this long.
	ReadTimeout  time.Duration
	PingInterval time.Duration

	Logger zerolog.Logger
}

func DefaultListenerOptions(host string) ListenerOptions {
	return ListenerOptions{
		Host:           host,
		MaxRetries:     10,
		BaseRetryDelay: 2 * time.Second,
		MaxRetryDelay:  60 * time.Second,
		ReadTimeout:    30 * time.Second,
		PingInterval:   10 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

func (o ListenerOptions) url() url.URL {
	scheme := "ws"
	if o.TLS {
		scheme = "wss"
	}
	return url.URL{Scheme: scheme, Host: o.Host, Path: "/ws"}
}

func (o ListenerOptions) retryDelay(retryCount int) time.Duration {
	// Exponential backoff, capped
	delay := o.BaseRetryDelay
	for i := 1; i < retryCount && delay < o.MaxRetryDelay; i++ {
		delay *= 2
	}
	if o.MaxRetryDelay > 0 && delay > o.MaxRetryDelay {
		delay = o.MaxRetryDelay
	}
	return delay
}

// StartListener manages the websocket connection and calls handle for each
// event until ctx is cancelled. It returns nil on cancellation and
// ErrMaxRetries when the API stayed unreachable.
func StartListener(ctx context.Context, opts ListenerOptions, handle func(p1.Event)) error {
	u := opts.url()
	logger := opts.Logger.With().Str("url", u.String()).Logger()

	retryCount := 0
	for {
		if retryCount > 0 {
			retryDelay := opts.retryDelay(retryCount)
			logger.Info().Dur("delay", retryDelay).Int("attempt", retryCount+1).Msg("Retrying connection")
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				logger.Info().Msg("Shutdown requested during retry wait")
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		logger.Info().Msg("Connecting")
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("Connection failed")
			retryCount++
			if opts.MaxRetries > 0 && retryCount >= opts.MaxRetries {
				logger.Error().Int("retries", opts.MaxRetries).Msg("Max retries reached, giving up")
				return ErrMaxRetries
			}
			continue
		}

		logger.Info().Msg("Connected, accepting meter readings")
		retryCount = 0

		connectionBroken := handleConnection(ctx, c, opts, logger, handle)
		c.Close()
		if !connectionBroken {
			return nil
		}
		logger.Warn().Msg("Connection lost, will retry")
		// First retry after a lost connection still waits.
		retryCount = 1
	}
}

// handleConnection reads until the connection breaks (true) or ctx is
// cancelled (false).
func handleConnection(
	ctx context.Context,
	c *websocket.Conn,
	opts ListenerOptions,
	logger zerolog.Logger,
	handle func(p1.Event),
) bool {
	done := make(chan struct{})

	extendDeadline := func() {
		if opts.ReadTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		}
	}
	extendDeadline()
	c.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("WebSocket error")
				} else {
					logger.Debug().Err(err).Msg("Connection closed")
				}
				return
			}
			extendDeadline()

			if messageType != websocket.TextMessage {
				logger.Debug().Int("type", messageType).Msg("Received unexpected message type")
				continue
			}
			var e p1.Event
			if err := json.Unmarshal(message, &e); err != nil {
				logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse event")
				continue
			}
			handle(e)
		}
	}()

	// Writes below are the only writes on c; the reader goroutine never writes.
	var pings <-chan time.Time
	if opts.PingInterval > 0 {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-done:
			return true
		case <-pings:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				logger.Debug().Err(err).Msg("Failed to send ping")
			}
		case <-ctx.Done():
			logger.Info().Msg("Shutdown requested, closing connection")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				logger.Debug().Err(err).Msg("Error sending close message")
			}
			// Wait for close confirmation or timeout
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}
