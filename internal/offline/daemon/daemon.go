package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/logger"
	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/connectivity"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
)

// DefaultWakeTag is the background-sync tag hosts use to request a drain.
const DefaultWakeTag = "background-sync"

const (
	minRetryDelay  = 10 * time.Millisecond
	idleRetryDelay = time.Second
)

// Drainer is the part of the coordinator the daemon drives.
type Drainer interface {
	Drain(ctx context.Context, trigger string) syncer.Summary
	Recover(ctx context.Context) (int, error)
	NextAttempt(ctx context.Context) (time.Time, bool, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// PeriodicInterval is how often to drain regardless of other triggers.
	// Zero disables the periodic drain.
	PeriodicInterval time.Duration

	// DebounceInterval is how long connectivity must stay online before the
	// drain fires. Flapping inside the window collapses into one drain.
	DebounceInterval time.Duration

	// WakeDir is watched for wake files. Empty disables wake files.
	WakeDir string

	// WakeTag names the wake files.
	WakeTag string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PeriodicInterval: 5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		WakeTag:          DefaultWakeTag,
		Logger:           zap.NewNop(),
	}
}

// Daemon drives drains from background triggers.
type Daemon struct {
	drainer Drainer
	conn    connectivity.Provider
	config  *Config
	logger  *zap.Logger

	wake     *WakeWatcher
	triggers chan string

	stopOnline func()
	unwatch    func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with the default configuration. conn may be nil.
func New(drainer Drainer, conn connectivity.Provider) (*Daemon, error) {
	return NewWithConfig(drainer, conn, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(drainer Drainer, conn connectivity.Provider, config *Config) (*Daemon, error) {
	if drainer == nil {
		return nil, fmt.Errorf("drainer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PeriodicInterval < 0 {
		return nil, fmt.Errorf("periodic interval cannot be negative")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.WakeTag == "" {
		config.WakeTag = DefaultWakeTag
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Daemon{
		drainer:  drainer,
		conn:     conn,
		config:   config,
		logger:   logger.Named("daemon"),
		triggers: make(chan string, 1),
	}

	if config.WakeDir != "" {
		if err := os.MkdirAll(config.WakeDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create wake directory: %w", err)
		}
		wake, err := NewWakeWatcher(config.WakeTag)
		if err != nil {
			return nil, err
		}
		d.wake = wake
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start recovers interrupted attempts, drains once, and then serves the
// triggers. It blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon")

	n, err := d.drainer.Recover(d.ctx)
	if err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}
	if n > 0 {
		d.logger.Info("recovered interrupted attempts", zap.Int("count", n))
	}

	if d.wake != nil {
		if err := d.wake.Start(d.config.WakeDir); err != nil {
			return err
		}
		d.logger.Info("watching for wake files",
			zap.String("dir", d.config.WakeDir), zap.String("tag", d.config.WakeTag))
	}

	if d.conn != nil {
		d.config.Metrics.SetOnline(d.conn.IsOnline())
		d.unwatch = d.conn.Subscribe(func(online bool) {
			d.config.Metrics.SetOnline(online)
			d.logger.Info("connectivity changed", zap.Bool("online", online))
		})
		d.stopOnline = connectivity.OnOnline(d.conn, d.config.DebounceInterval, func() {
			d.Trigger(syncer.TriggerOnline)
		})
	}

	d.wg.Add(1)
	go d.run()

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight drain is cancelled and
// its leases released.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")

		if d.stopOnline != nil {
			d.stopOnline()
		}
		if d.unwatch != nil {
			d.unwatch()
		}
		d.cancel()

		if d.wake != nil {
			if werr := d.wake.Stop(); werr != nil {
				d.logger.Warn("error closing wake watcher", zap.Error(werr))
				err = werr
			}
		}

		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// Trigger asks for a drain. Requests made while one is already waiting
// collapse into it.
func (d *Daemon) Trigger(trigger string) {
	select {
	case d.triggers <- trigger:
	default:
	}
}

// run serializes every drain the daemon makes.
func (d *Daemon) run() {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.config.PeriodicInterval > 0 {
		ticker := time.NewTicker(d.config.PeriodicInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	var wakes <-chan WakeEvent
	var wakeErrs <-chan error
	if d.wake != nil {
		wakes = d.wake.Events()
		wakeErrs = d.wake.Errors()
		if d.pendingWakeFile() {
			d.Trigger(syncer.TriggerWake)
		}
	}

	d.drain(syncer.TriggerStartup, retry)

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-tick:
			d.drain(syncer.TriggerPeriodic, retry)

		case <-retry.C:
			d.drain(syncer.TriggerRetry, retry)

		case trigger := <-d.triggers:
			d.drain(trigger, retry)

		case ev, ok := <-wakes:
			if !ok {
				wakes = nil
				continue
			}
			d.consumeWake(ev.Path)
			d.drain(syncer.TriggerWake, retry)

		case err, ok := <-wakeErrs:
			if !ok {
				wakeErrs = nil
				continue
			}
			d.logger.Warn("wake watcher error", zap.Error(err))
		}
	}
}

// drain runs one drain and arms the retry timer for the earliest backoff.
func (d *Daemon) drain(trigger string, retry *time.Timer) {
	if d.ctx.Err() != nil {
		return
	}
	if trigger == syncer.TriggerWake {
		d.consumePendingWakeFiles()
	}

	s := d.drainer.Drain(d.ctx, trigger)
	if s.Offline {
		d.logger.Debug("drain skipped while offline", logger.Trigger(trigger))
	}

	next, ok, err := d.drainer.NextAttempt(d.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Warn("failed to read next attempt", zap.Error(err))
		}
		return
	}
	if !retry.Stop() {
		select {
		case <-retry.C:
		default:
		}
	}
	if !ok || s.Offline {
		return
	}
	wait := time.Until(next)
	switch {
	case wait <= 0 && s.Total == 0:
		// Already due but this drain could not attempt it; back off instead
		// of rescanning in a tight loop.
		wait = idleRetryDelay
	case wait < minRetryDelay:
		wait = minRetryDelay
	}
	retry.Reset(wait)
}

func (d *Daemon) consumeWake(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to remove wake file", zap.String("path", path), zap.Error(err))
	}
}

// consumePendingWakeFiles removes wake files dropped while the daemon was
// busy, so one drain answers all of them.
func (d *Daemon) consumePendingWakeFiles() {
	for _, path := range d.wakeFiles() {
		d.consumeWake(path)
	}
}

func (d *Daemon) pendingWakeFile() bool {
	return len(d.wakeFiles()) > 0
}

func (d *Daemon) wakeFiles() []string {
	if d.wake == nil {
		return nil
	}
	entries, err := os.ReadDir(d.config.WakeDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && d.wake.Matches(e.Name()) {
			out = append(out, filepath.Join(d.config.WakeDir, e.Name()))
		}
	}
	return out
}

// Wake drops a wake file for tag in dir. It is how another process asks a
// running daemon to drain.
func Wake(dir, tag string) (string, error) {
	if tag == "" {
		tag = DefaultWakeTag
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create wake directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%d", tag, time.Now().UnixNano()))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return "", fmt.Errorf("failed to write wake file: %w", err)
	}
	return path, nil
}
