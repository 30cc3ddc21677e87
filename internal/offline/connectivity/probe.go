package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeConfig configures an HTTP reachability probe.
type ProbeConfig struct {
	// URL is requested with HEAD. Any response below 500 counts as online.
	URL string

	// Interval between probes. Default: 15s.
	Interval time.Duration

	// Timeout per probe. Default: 5s.
	Timeout time.Duration

	Client *http.Client
	Logger *zap.Logger
}

// Probe is a Provider that polls a URL.
type Probe struct {
	*Manual

	cfg    ProbeConfig
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProbe returns a stopped probe that reports offline until the first
// successful check.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe url cannot be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		Manual: NewManual(false),
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

// Start checks once synchronously, then keeps polling until Stop or ctx ends.
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("probe already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.Check(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

// Check probes once and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			_ = resp.Body.Close()
			online = resp.StatusCode < 500
		} else {
			err = doErr
		}
	}

	if p.Set(online) {
		if online {
			p.logger.Info("connectivity restored", zap.String("url", p.cfg.URL))
		} else {
			p.logger.Warn("connectivity lost", zap.String("url", p.cfg.URL), zap.Error(err))
		}
	}
	return online
}

func (p *Probe) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
