package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/config"
	"github.com/zwoods58/WebApp-sub007/internal/logger"
	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/connectivity"
	"github.com/zwoods58/WebApp-sub007/internal/offline/gateway"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/postgres"
	kvredis "github.com/zwoods58/WebApp-sub007/internal/offline/kv/redis"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/sqlite"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
	"github.com/zwoods58/WebApp-sub007/internal/offline/writer"
)

// stack is the wired set of components a command works with.
type stack struct {
	db      kv.Store
	records *record.Store
	queue   *queue.Queue
	writer  *writer.Writer
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Set only by openSyncStack.
	conn  connectivity.Provider
	probe *connectivity.Probe
	coord *syncer.Coordinator
}

// openStore opens the configured key-value backend.
func openStore(ctx context.Context, c *config.Config, log *zap.Logger) (kv.Store, error) {
	switch c.Store.Driver {
	case config.DriverSQLite:
		db, err := sqlite.OpenContext(ctx, c.Store.Path, log.Named("sqlite"))
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, postgres.Config{DSN: c.Store.DSN, Table: c.Store.Table, MaxConns: c.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverRedis:
		db, err := kvredis.Open(ctx, kvredis.Config{
			Addr:      c.Store.Addr,
			Password:  c.Store.Password,
			DB:        c.Store.DB,
			Namespace: c.Store.Namespace,
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// openStack opens the store and the local components on top of it.
func openStack(ctx context.Context, c *config.Config) (*stack, error) {
	log := logger.From(ctx)
	if err := c.EnsureDirs(); err != nil {
		return nil, err
	}
	db, err := openStore(ctx, c, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", c.Store.Driver, err)
	}

	q := queue.New(db,
		queue.WithPolicy(queue.Policy{
			MaxRetries: c.Sync.MaxRetries,
			BaseDelay:  c.Sync.BaseDelay,
			MaxDelay:   c.Sync.MaxDelay,
		}),
		queue.WithLogger(log.Named("queue")),
	)
	records := record.NewStore(db)

	return &stack{
		db:      db,
		records: records,
		queue:   q,
		writer:  writer.New(records, q, writer.WithLogger(log.Named("writer"))),
		metrics: metrics.New(),
		logger:  log,
	}, nil
}

// openSyncStack is openStack plus the gateway, connectivity and coordinator.
func openSyncStack(ctx context.Context, c *config.Config) (*stack, error) {
	gw, err := buildGateway(c)
	if err != nil {
		return nil, err
	}
	s, err := openStack(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := attachConnectivity(s, c); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.coord = syncer.New(s.queue, s.records, gw, s.conn, syncer.Options{
		AttemptTimeout: c.Sync.AttemptTimeout,
		AckTTL:         c.Sync.AckTTL,
		Logger:         s.logger.Named("syncer"),
		Metrics:        s.metrics,
	})
	return s, nil
}

// buildGateway routes the configured entity types to the HTTP gateway. With
// no entity types listed, every type goes to it.
func buildGateway(c *config.Config) (gateway.Gateway, error) {
	if c.Gateway.BaseURL == "" {
		return nil, fmt.Errorf("gateway.base_url is not configured")
	}
	h, err := gateway.NewHTTP(gateway.HTTPConfig{
		BaseURL: c.Gateway.BaseURL,
		Timeout: c.Gateway.Timeout,
		Headers: c.Gateway.Headers,
		Logger:  logger.Named("gateway"),
	})
	if err != nil {
		return nil, err
	}
	if len(c.Gateway.EntityTypes) == 0 {
		return h, nil
	}
	router := gateway.NewRouter()
	h.Register(router, c.Gateway.EntityTypes...)
	return router, nil
}

// attachConnectivity sets s.conn to an HTTP probe when one is configured.
// Otherwise the host is assumed online.
func attachConnectivity(s *stack, c *config.Config) error {
	if c.Probe.URL == "" {
		s.conn = connectivity.NewManual(true)
		return nil
	}
	probe, err := connectivity.NewProbe(connectivity.ProbeConfig{
		URL:      c.Probe.URL,
		Interval: c.Probe.Interval,
		Timeout:  c.Probe.Timeout,
		Logger:   logger.Named("probe"),
	})
	if err != nil {
		return err
	}
	s.probe = probe
	s.conn = probe
	return nil
}

// checkConnectivity runs a single probe for one-shot commands.
func (s *stack) checkConnectivity(ctx context.Context) bool {
	if s.probe != nil {
		return s.probe.Check(ctx)
	}
	return s.conn != nil && s.conn.IsOnline()
}

// Close releases the store and stops the probe.
func (s *stack) Close() error {
	if s.probe != nil {
		s.probe.Stop()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
