// Responsible for storing the data collected from the smart meter
// Depends on the interpreter API being online.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/NotCoffee418/p1reader/pkg/aggregator"
	"github.com/NotCoffee418/p1reader/pkg/config"
	"github.com/NotCoffee418/p1reader/pkg/interpreter"
	"github.com/NotCoffee418/p1reader/pkg/logging"
	"github.com/NotCoffee418/p1reader/pkg/meterdb"
	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/NotCoffee418/p1reader/pkg/pathing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	var (
		configDir string
		host      string
	)
	app := &cli.App{
		Name:  "meter_collector",
		Usage: "Store readings from the interpreter API in the meter database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config-dir",
				Aliases:     []string{"c"},
				Usage:       "directory holding " + config.MeterCollectorConfigFile,
				EnvVars:     []string{pathing.EnvConfigDir},
				Destination: &configDir,
				Value:       pathing.GetConfigDir(),
			},
			&cli.StringFlag{
				Name:        "host",
				Usage:       "interpreter API host:port, overrides interpreter_api_host",
				EnvVars:     []string{"INTERPRETER_API_HOST"},
				Destination: &host,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadMeterCollectorConfigFrom(configDir)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.InterpreterAPIHost = host
			}
			return run(c.Context, cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Meter collector stopped")
	}
}

func run(parent context.Context, cfg *config.MeterCollectorConfig) error {
	logger := logging.ConfigureRuntime("meter_collector", cfg.LogLevel)

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = pathing.GetMeterDbPath()
	}
	store, err := meterdb.Open(dbPath, logging.Component(logger, "meterdb"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if gas, err := store.LatestTotalGasReading(ctx); err == nil && gas != nil {
		logger.Info().Int64("timestamp", gas.Timestamp).Uint32("dm3", gas.TotalConsumptionDM3).Msg("Resuming after last stored gas reading")
	}

	agg := aggregator.New(store, logging.Component(logger, "aggregator"))
	go agg.Run(ctx)

	opts := interpreter.DefaultListenerOptions(cfg.InterpreterAPIHost)
	opts.TLS = cfg.TLSEnabled
	opts.Logger = logging.Component(logger, "listener")

	// Subscribe to websocket with revive
	return interpreter.StartListener(ctx, opts, handleEvent(ctx, store, logger))
}

// handleEvent stores readings; everything else is only logged.
func handleEvent(ctx context.Context, store *meterdb.Store, logger zerolog.Logger) func(p1.Event) {
	return func(e p1.Event) {
		switch e.Kind {
		case p1.EventReading:
			if err := store.InsertReading(ctx, e.Telegram); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Failed to store meter reading")
			}
		case p1.EventError:
			if e.Err != nil {
				logger.Debug().Str("kind", e.Err.Kind.String()).Msg(e.Err.Error())
			}
		default:
			logger.Debug().Str("event", e.Kind.String()).Msg("Interpreter API event")
		}
	}
}
