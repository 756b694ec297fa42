package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/admin"
	"github.com/maxpert/cdcrelay/auth"
	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/cfg"
	"github.com/maxpert/cdcrelay/monitor"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/server"
	"github.com/maxpert/cdcrelay/stream"
	"github.com/maxpert/cdcrelay/telemetry"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("server_id", cfg.Config.ServerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("version", server.Version).Msg("cdcrelay - change data capture relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped with error")
	}
	log.Info().Msg("Relay stopped")
}

func run(ctx context.Context) error {
	captures, err := newCaptureManager()
	if err != nil {
		return fmt.Errorf("capture invoker: %w", err)
	}

	authn, err := auth.New(cfg.Config.Auth)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}

	p := cfg.Config.Pipeline
	pool := stream.NewEncodePool(p.EncodeWorkers, p.EncodeQueueSize)
	defer pool.Stop()

	d := cfg.Config.Detect
	registry := stream.NewRegistry(stream.RegistryConfig{
		Capture: captures,
		Pool:    pool,
		Pipeline: stream.PipelineConfig{
			InboundSize:       p.InboundQueueSize,
			OutboundSize:      p.OutboundQueueSize,
			WaitNum:           p.WaitNum,
			WaitTime:          p.WaitTime(),
			CompressThreshold: int(p.CompressThreshold.Bytes()),
		},
		DetectInterval: d.Interval(),
		SourceLease:    d.SourceLease(),
		InitTimeout:    d.InitTimeout(),
		PathRetain:     d.PathRetain(),
		ReadOnly:       cfg.Config.Server.ReadOnly,
	})
	registry.Start(ctx)
	defer registry.Stop()

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(registry, cfg.Config.Prometheus.CollectInterval())
		collector.Start()
		defer collector.Stop()
	}

	sc := cfg.Config.Server
	srv := server.New(server.Config{
		BindAddress:    sc.BindAddress,
		ProxyPort:      sc.ProxyPort,
		CapturePort:    sc.CapturePort,
		AdvertiseIP:    sc.AdvertiseIP,
		MaxPacketBytes: int(sc.MaxPacketSize.Bytes()),
		ReadBufferSize: sc.ReadBufferKB << 10,
		CountRecords:   sc.CountRecords,
		Admin:          newAdminRouter(registry),
	}, registry, authn)

	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.Config.Monitor.Enabled {
		reporter, err := newReporter(registry, srv)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	log.Info().
		Stringer("proxy", srv.ProxyAddr()).
		Stringer("capture", srv.CaptureAddr()).
		Str("advertise_ip", srv.AdvertiseIP()).
		Bool("readonly", sc.ReadOnly).
		Msg("Relay is operational")

	return srv.Serve(ctx)
}

// newCaptureManager registers one invoker for every capture kind. The memory invoker
// never spawns anything, which is also what readonly relays need.
func newCaptureManager() (*capture.Manager, error) {
	m := capture.NewManager()

	var inv capture.Invoker
	c := cfg.Config.Capture
	if c.Invoker == "memory" || cfg.Config.Server.ReadOnly {
		inv = capture.NewMemoryInvoker()
	} else {
		script, err := capture.NewScriptInvoker(capture.ScriptConfig{
			WorkDir:        c.WorkDir,
			StartScript:    c.StartScript,
			Shell:          c.Shell,
			SpawnRate:      c.SpawnRate,
			SpawnBurst:     c.SpawnBurst,
			ProtectedPaths: c.ProtectedPaths,
		})
		if err != nil {
			return nil, err
		}
		inv = script
	}

	m.Register(protocol.KindOceanBase, inv)
	m.Register(protocol.KindStore, inv)
	return m, nil
}

func newAdminRouter(registry *stream.Registry) http.Handler {
	if !cfg.Config.Admin.Enabled {
		return nil
	}
	handlers := admin.NewHandlers(registry, cfg.Config.ServerID, cfg.Config.Server.ReadOnly)
	return admin.NewRouter(handlers, admin.Options{
		Secret:  cfg.Config.Admin.Secret,
		Metrics: telemetry.GetMetricsHandler(),
	})
}

func newReporter(registry *stream.Registry, srv *server.Server) (*monitor.Reporter, error) {
	mc := cfg.Config.Monitor
	sink, err := monitor.NewSink(mc)
	if err != nil {
		return nil, err
	}

	return monitor.NewReporter(monitor.ReporterConfig{
		ServerID: cfg.Config.ServerID,
		IP:       srv.AdvertiseIP(),
		Port:     cfg.Config.Server.ProxyPort,
		Interval: time.Duration(mc.IntervalSeconds) * time.Second,
		Topic:    mc.Topic,
		Compress: mc.Compress,
		Sink:     sink,
	}, registry), nil
}
