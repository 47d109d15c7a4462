package main

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// loadConfig loads the file and lets command line flags override logging.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	overridden := false
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
		overridden = true
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
		overridden = true
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by cfg.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// gatewayConfig turns the file configuration into an engine Config.
func gatewayConfig(cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer) gateway.Config {
	g := cfg.Gateway

	gc := gateway.DefaultConfig(g.Token, g.ParsedIntents())
	gc.Logger = logger
	gc.LargeThreshold = g.LargeThreshold
	gc.HandshakeTimeout = g.HandshakeTimeout.Std()
	gc.IdentifyInterval = g.IdentifyInterval.Std()
	gc.EventBuffer = g.EventBuffer
	gc.Reconnect = gateway.Backoff{
		Attempts:  g.Reconnect.Attempts,
		BaseDelay: g.Reconnect.BaseDelay.Std(),
		MaxDelay:  g.Reconnect.MaxDelay.Std(),
	}
	if g.Compress {
		gc.Decompressor = protocol.ZlibDecompressor{Enabled: true}
	}

	var labels prometheus.Labels
	if shard := g.ProtocolShard(); shard != nil {
		labels = prometheus.Labels{"shard": shard.String()}
	}
	gc.Metrics = metrics.New(metrics.WithRegistry(registry), metrics.WithConstLabels(labels))
	return gc
}
