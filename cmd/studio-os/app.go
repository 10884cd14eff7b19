package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/chread"
	"github.com/monsoonfire/studio-os/internal/config"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/detectors"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/proposal"
	"github.com/monsoonfire/studio-os/internal/scheduler"
	"github.com/monsoonfire/studio-os/internal/state"
	"github.com/monsoonfire/studio-os/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// app holds every wired component. Fields are populated by buildApp and
// released in reverse order by Close.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store        *store.Store
	ledger       *events.Ledger
	reader       *chread.Reader // nil without ClickHouse
	connectors   *connector.Registry
	capabilities *capability.Registry
	proposals    *proposal.Service
	pass         *scheduler.Pass

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// SQL store: authoritative ledger, snapshots, proposals, tokens
	a.store, err = store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}
	logger.Info("store ready", zap.String("driver", cfg.Storage.Driver))

	// Audit mirror: ClickHouse or LogMirror fallback
	var mirror events.Mirror
	if cfg.ClickHouse.DSN != "" {
		chMirror, err := events.NewClickHouseMirror(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log mirror", zap.Error(err))
			mirror = events.NewLogMirror(logger)
		} else {
			mirror = chMirror
			logger.Info("clickhouse mirror connected")
		}

		reader, err := chread.NewReader(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else if err := reader.EnsureSchema(ctx); err != nil {
			logger.Warn("clickhouse schema setup failed", zap.Error(err))
			_ = reader.Close()
		} else {
			a.reader = reader
			a.closers = append(a.closers, func() { _ = reader.Close() })
		}
	} else {
		mirror = events.NewLogMirror(logger)
		logger.Info("no clickhouse dsn set, using log mirror")
	}
	a.ledger = events.NewLedger(events.LedgerConfig{
		Backend: a.store.Events(),
		Mirror:  mirror,
		Logger:  logger,
	})
	a.closers = append(a.closers, a.ledger.Close)

	// Connectors and the state sources built on them
	a.connectors = connector.NewRegistry(logger)
	var sources []state.Source
	for _, cc := range cfg.Connectors {
		conn, closeFn, err := buildConnector(cc, cfg.BreakerConfig(), logger)
		if err != nil {
			return nil, err
		}
		if closeFn != nil {
			a.closers = append(a.closers, closeFn)
		}
		if err := a.connectors.Register(conn); err != nil {
			return nil, err
		}
		if cc.StateSource {
			src, err := state.NewConnectorSource(conn)
			if err != nil {
				return nil, fmt.Errorf("connector %s: %w", cc.ID, err)
			}
			sources = append(sources, src)
		}
	}
	if cfg.Studio.DSN != "" {
		studio, err := store.Open(ctx, "postgres", cfg.Studio.DSN)
		if err != nil {
			return nil, fmt.Errorf("studio database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = studio.Close() })
		sources = append(sources, state.NewSQLSource("studio-db", studio.DB(), state.StudioQueries))
	}
	if len(sources) == 0 {
		logger.Warn("no state sources configured; every snapshot will be partial")
	}

	a.capabilities, err = buildCapabilities(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.proposals = proposal.NewService(proposal.Config{
		Store:    a.store.Proposals(),
		Ledger:   a.ledger,
		Policy:   a.capabilities,
		Executor: proposal.NewConnectorExecutor(a.connectors),
		Logger:   logger,
	})

	a.pass = scheduler.NewPass(scheduler.PassConfig{
		Computer: state.NewComputer(state.ComputerConfig{
			Sources:       sources,
			SourceTimeout: cfg.Schedule.SourceTimeout.Duration,
			Logger:        logger,
		}),
		Snapshots:      a.store.Snapshots(),
		Drift:          state.NewDriftDetector(a.ledger, cfg.Thresholds(), logger),
		Runner:         detectors.NewRunner(a.ledger, logger, detectors.DefaultDetectors()...),
		Ledger:         a.ledger,
		SourceIdentity: cfg.SourceIdentity,
		ScanLimit:      cfg.Schedule.ScanLimit,
		DedupeWindow:   cfg.DedupeWindow(),
		RecentEvents:   cfg.Schedule.RecentEvents,
		Logger:         logger,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildConnector(cc config.ConnectorConfig, br connector.BreakerConfig, logger *zap.Logger) (*connector.TransportConnector, func(), error) {
	var (
		transport connector.Transport
		closeFn   func()
	)
	switch cc.Transport {
	case "grpc":
		conn, err := connector.DialGRPC(cc.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("connector %s: %w", cc.ID, err)
		}
		transport = connector.GRPCTransport(conn, cc.Service)
		closeFn = func() { closeGRPC(conn, logger) }
	default:
		transport = connector.HTTPTransport(cc.Endpoint, &http.Client{}, cc.Headers)
	}
	return connector.NewTransportConnector(connector.TransportConfig{
		Descriptor: connector.Descriptor{
			ID:       cc.ID,
			Target:   cc.Target,
			Version:  cc.Version,
			ReadOnly: cc.ReadOnly,
		},
		Transport: transport,
		Timeout:   cc.Timeout.Duration,
		Breaker:   br,
		Logger:    logger,
	}), closeFn, nil
}

func closeGRPC(conn *grpc.ClientConn, logger *zap.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("grpc connection close failed", zap.Error(err))
	}
}

// buildCapabilities loads the embedded catalog plus every configured
// manifest. A manifest that fails signature verification is skipped; its
// capabilities stay unknown.
func buildCapabilities(cfg *config.Config, logger *zap.Logger) (*capability.Registry, error) {
	anchors, err := cfg.TrustAnchors()
	if err != nil {
		return nil, err
	}
	b := capability.NewBuilder(anchors, logger)
	if err := b.AddCatalog(capability.DefaultCatalog); err != nil {
		return nil, err
	}
	for _, path := range cfg.Manifests {
		m, err := capability.LoadManifestFile(path)
		if err != nil {
			logger.Warn("skill manifest unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := b.AddManifest(m); err != nil {
			continue // logged by the builder
		}
	}
	reg, err := b.Build()
	if err != nil {
		return nil, err
	}
	for _, id := range reg.Blocked() {
		logger.Warn("capability blocked by policy lint", zap.String("capability", id))
	}
	return reg, nil
}

func passTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Schedule.PassTimeout.Duration; d > 0 {
		return d
	}
	return 2 * time.Minute
}
