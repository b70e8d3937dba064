package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/windmillfan/cmd/app"
	httpctrl "github.com/Agrid-Dev/windmillfan/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/windmillfan/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/windmillfan/internal/controllers/mqtt"
	"github.com/Agrid-Dev/windmillfan/internal/device"
)

const projectName = "windmillfan"

var (
	projectVersion = "dev"
	maskAny        = errors.WithStack
)

func main() {
	var configPath string
	var levelFlag string
	var checkOnly bool
	var printConfig bool

	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "path to config file (.yaml/.yml/.json)")
	pflag.StringVarP(&levelFlag, "level", "l", "", "Override the configured log level")
	pflag.BoolVar(&checkOnly, "check", false, "Check the token against the service and exit")
	pflag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	pflag.Parse()

	cfg, err := app.Load(configPath, nil)
	if err != nil {
		Exitf("Failed to load config: %v\n", err)
	}
	if levelFlag != "" {
		cfg.Log.Level = levelFlag
	}

	if printConfig {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			Exitf("Failed to render config: %v\n", err)
		}
		fmt.Print(string(out))
		return
	}

	if err := cfg.Validate(); err != nil {
		Exitf("Invalid config: %v\n", err)
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		Exitf("Failed to create logger: %v\n", err)
	}

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	if checkOnly {
		if err := device.CheckCredentials(ctx, cfg.Device().Blynk, logger); err != nil {
			Exitf("Credential check failed: %v\n", err)
		}
		fmt.Println("Credentials OK")
		return
	}

	logger.Info().Str("version", projectVersion).Msgf("Starting %s", projectName)
	if err := run(ctx, cfg, logger); err != nil {
		Exitf("Service run failed: %v\n", err)
	}
}

func run(ctx context.Context, cfg app.Config, logger zerolog.Logger) error {
	dev, err := device.Start(ctx, cfg.Device(), device.Deps{Log: logger})
	if err != nil {
		return errors.Wrap(err, "start device")
	}
	defer dev.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(ctx) })

	ctrls := cfg.Controllers
	if ctrls.HTTP.Enabled {
		srv := httpctrl.New(dev.Fan, ctrls.HTTP.Addr, dev.ID,
			httpctrl.WithGatherer(dev.Registry),
			httpctrl.WithLogger(logger.With().Str("component", "http").Logger()))
		g.Go(func() error { return srv.Run(ctx) })
		logger.Info().Str("address", ctrls.HTTP.Addr).Msg("HTTP controller enabled")
	}
	if ctrls.MQTT.Enabled {
		mc, err := mqttctrl.New(dev.Fan, cfg.MQTT(dev.ID), logger.With().Str("component", "mqtt").Logger())
		if err != nil {
			return maskAny(err)
		}
		g.Go(func() error { return mc.Run(ctx) })
		logger.Info().Str("broker", ctrls.MQTT.BrokerURL).Msg("MQTT controller enabled")
	}
	if ctrls.MODBUS.Enabled {
		mb, err := modbusctrl.New(dev.Fan, cfg.Modbus(dev.ID), logger.With().Str("component", "modbus").Logger())
		if err != nil {
			return maskAny(err)
		}
		g.Go(func() error { return mb.Run(ctx) })
		logger.Info().Str("address", ctrls.MODBUS.Addr).Msg("Modbus controller enabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return maskAny(err)
	}
	return nil
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, message, args...)
	os.Exit(1)
}
