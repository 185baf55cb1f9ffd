package injector

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideRegistry,
	ProvideEventBus,
	ProvideWorld,
	ProvideServerConfig,
	ProvideServer,
)

// ProvideLogger builds the process logger; cleanup flushes it.
func ProvideLogger(cfg config.Config) (*log.Logger, func(), error) {
	logger, err := log.NewWithOptions(cfg.LoggerOptions())
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideRegistry returns a fresh registry with the Go runtime and process
// collectors attached.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideEventBus() bus.EventBus {
	return bus.New()
}

func ProvideWorld(logger log.Log, events bus.EventBus) *world.World {
	return world.New(logger, events)
}

func ProvideServerConfig(cfg config.Config) server.Config {
	return cfg.Server
}

func ProvideServer(cfg server.Config, w *world.World, events bus.EventBus, reg *prometheus.Registry, logger log.Log) (*server.Server, func(), error) {
	srv, err := server.NewServer(cfg, w, events, reg, logger)
	if err != nil {
		return nil, nil, err
	}
	return srv, func() { _ = srv.Close() }, nil
}
