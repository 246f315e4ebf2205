package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lora-edge/gatewayd/internal/api"
	"github.com/lora-edge/gatewayd/internal/config"
	"github.com/lora-edge/gatewayd/internal/events"
	"github.com/lora-edge/gatewayd/internal/forwarder"
	"github.com/lora-edge/gatewayd/internal/gateway"
	"github.com/lora-edge/gatewayd/internal/keys"
	"github.com/lora-edge/gatewayd/internal/metrics"
	"github.com/lora-edge/gatewayd/internal/router"
	"github.com/lora-edge/gatewayd/pkg/band"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/gatewayd.yml", "configuration file path")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Msg("gatewayd starting")

	// Startup order matters: region table and key custodian must come up
	// before anything that transmits or connects.
	table := band.Default()
	if cfg.Region.PlansFile != "" {
		table, err = band.Load(cfg.Region.PlansFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load region plans")
		}
	}

	signer, err := keys.LoadFileSigner(cfg.Keys.SeedFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load gateway key")
	}
	custodian, err := keys.New(signer, cfg.Keys.SignTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize key custodian")
	}
	defer custodian.Close()

	log.Info().
		Str("region", cfg.Region.ID).
		Hex("publicKey", custodian.PublicKey()).
		Msg("gateway identity ready")

	fwd, err := forwarder.New(cfg.Gateway.UDPBind, cfg.Gateway.UplinkQueueSize)
	if err != nil {
		log.Fatal().Err(err).Msg("bind packet forwarder link")
	}

	eventsPub, err := events.Connect(cfg.NATS, cfg.Gateway.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("connect event bus")
	}
	defer eventsPub.Close()

	m := metrics.New()
	dialer := &router.WebsocketDialer{HandshakeTimeout: 10 * time.Second}

	gw, err := gateway.New(cfg, table, custodian, fwd, eventsPub, m, clock.New(), dialer)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize gateway core")
	}

	apiServer := api.New(cfg.API, gw, m.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return gw.Run(egCtx) })
	eg.Go(func() error { return apiServer.Run(egCtx) })

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	case <-egCtx.Done():
	}

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	err = multierr.Append(err, fwd.Close())
	if err != nil {
		log.Error().Err(err).Msg("gatewayd stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("gatewayd stopped")
}
