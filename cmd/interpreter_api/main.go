// Interpreter API is responsible for reading the P1 port and broadcasting the readings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/config"
	"github.com/NotCoffee418/p1reader/pkg/hub"
	"github.com/NotCoffee418/p1reader/pkg/logging"
	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/NotCoffee418/p1reader/pkg/pathing"
	"github.com/NotCoffee418/p1reader/pkg/source"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const (
	reconnectDelay  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	var (
		configDir string
		device    string
		emulator  bool
		debug     bool
	)
	app := &cli.App{
		Name:  "interpreter_api",
		Usage: "Read telegrams from a P1 port and serve them over HTTP and websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config-dir",
				Aliases:     []string{"c"},
				Usage:       "directory holding " + config.InterpreterAPIConfigFile,
				EnvVars:     []string{pathing.EnvConfigDir},
				Destination: &configDir,
				Value:       pathing.GetConfigDir(),
			},
			&cli.StringFlag{
				Name:        "device",
				Aliases:     []string{"d"},
				Usage:       "serial device, overrides serial_device",
				Destination: &device,
			},
			&cli.BoolFlag{
				Name:        "emulator",
				Usage:       "emulate a meter instead of opening the serial device",
				Destination: &emulator,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "write every packet to debug_log_file",
				Destination: &debug,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadInterpreterAPIConfigFrom(configDir)
			if err != nil {
				return err
			}
			if device != "" {
				cfg.SerialDevice = device
			}
			cfg.Emulator = cfg.Emulator || emulator
			cfg.Debug = cfg.Debug || debug
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(c.Context, cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Interpreter API stopped")
	}
}

func run(parent context.Context, cfg *config.InterpreterAPIConfig) error {
	logger := logging.ConfigureRuntime("interpreter_api", cfg.LogLevel)

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	session, err := p1.NewSession(sessionCfg, p1.WithLogger(logging.Component(logger, "p1")))
	if err != nil {
		return err
	}

	h := hub.New(logging.Component(logger, "hub"))
	session.Subscribe(h.Listen)
	session.Subscribe(logErrors(logger))

	if cfg.Debug {
		packetLog, err := logging.OpenPacketLog(cfg.DebugLogFile)
		if err != nil {
			return err
		}
		defer packetLog.Close()
		session.Subscribe(packetLog.Listen)
		logger.Info().Str("file", cfg.DebugLogFile).Msg("Logging raw packets")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readMeter(ctx, session, byteSource(cfg, sessionCfg, logger), logger)
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: routes(session, h),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", server.Addr).Msg("Starting European Smart Meter Interpreter API")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("HTTP shutdown incomplete")
	}
	<-readerDone

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func byteSource(cfg *config.InterpreterAPIConfig, sessionCfg p1.Config, logger zerolog.Logger) p1.ByteSource {
	if cfg.Emulator {
		e := source.NewEmulator(cfg.EmulatorInterval.Duration, cfg.EmulatorOverrides)
		e.StartChar = sessionCfg.StartChar
		e.StopChar = sessionCfg.StopChar
		e.Logger = logging.Component(logger, "emulator")
		return e
	}
	return &source.Serial{
		PortName: cfg.SerialDevice,
		BaudRate: cfg.Baudrate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Logger:   logging.Component(logger, "serial"),
	}
}

// readMeter keeps a session running against src, reopening it after
// failures until ctx is cancelled.
func readMeter(ctx context.Context, session *p1.Session, src p1.ByteSource, logger zerolog.Logger) {
	for {
		err := session.Run(ctx, src)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Dur("retry_in", reconnectDelay).Msg("Error reading P1 port")
		} else {
			logger.Warn().Dur("retry_in", reconnectDelay).Msg("P1 port closed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func logErrors(logger zerolog.Logger) p1.Listener {
	return func(e p1.Event) {
		if e.Kind == p1.EventError {
			logger.Warn().Str("kind", e.Err.Kind.String()).Str("detail", e.Err.Detail).Msg(e.Err.Error())
		}
	}
}

func routes(session *p1.Session, h *hub.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "European Smart Meter API",
			"status":  "running",
		})
	})
	mux.HandleFunc("/latest", h.ServeLatest)
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   session.State(),
			"clients": h.ClientCount(),
		})
	})
	mux.HandleFunc("/ws", h.ServeWS)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
