// Package loadtest drives concurrent local writers and drains against a
// simulated server, then checks that every write was delivered exactly once
// and in per-entity order.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/gateway"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
	"github.com/zwoods58/WebApp-sub007/internal/offline/writer"
)

// Config describes one load test run.
type Config struct {
	// Writers is the number of concurrent local writers.
	Writers int

	// WritesPerWriter is the number of local writes each writer performs.
	WritesPerWriter int

	// UpdateRatio is the fraction of writes that update one of the writer's
	// existing records instead of creating a new one.
	UpdateRatio float64

	// EntityTypes are assigned round-robin to created records.
	EntityTypes []string

	// GatewayLatency is added to every simulated server call.
	GatewayLatency time.Duration

	// FailureRate is the fraction of server calls that fail transiently.
	FailureRate float64

	// Policy is the retry policy. Zero fields use short test delays.
	Policy queue.Policy

	// MaxRounds bounds the number of drains. Default: 1000.
	MaxRounds int

	// Seed makes the failure pattern reproducible.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Writers <= 0 {
		c.Writers = 1
	}
	if c.WritesPerWriter <= 0 {
		c.WritesPerWriter = 1
	}
	if len(c.EntityTypes) == 0 {
		c.EntityTypes = []string{"transactions", "customers", "notes"}
	}
	if c.Policy.MaxRetries <= 0 {
		c.Policy.MaxRetries = 50
	}
	if c.Policy.BaseDelay <= 0 {
		c.Policy.BaseDelay = time.Millisecond
	}
	if c.Policy.MaxDelay <= 0 {
		c.Policy.MaxDelay = 20 * time.Millisecond
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 1000
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// DrainStats summarizes the delivery phase.
type DrainStats struct {
	Rounds        int           `json:"rounds"`
	Calls         int64         `json:"calls"`
	InjectedFails int64         `json:"injectedFailures"`
	Delivered     int           `json:"delivered"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
	ItemsPerSec   float64       `json:"itemsPerSecond"`
}

// Violations counts broken delivery guarantees. All fields are zero in a
// correct run.
type Violations struct {
	// Duplicates are idempotency keys acknowledged more than once.
	Duplicates int64 `json:"duplicates"`

	// OutOfOrder are updates that reached the server before their create.
	OutOfOrder int64 `json:"outOfOrder"`

	// Unsynced are records still unsynced after the queue emptied.
	Unsynced int `json:"unsynced"`

	// Leftover are queue items remaining after the last round.
	Leftover int `json:"leftover"`
}

// Ok reports whether no guarantee was broken.
func (v Violations) Ok() bool {
	return v.Duplicates == 0 && v.OutOfOrder == 0 && v.Unsynced == 0 && v.Leftover == 0
}

// Result is the outcome of Run.
type Result struct {
	Config      Config        `json:"config"`
	Writes      LatencyStats  `json:"writes"`
	WriteErrors int           `json:"writeErrors"`
	Drain       DrainStats    `json:"drain"`
	Violations  Violations    `json:"violations"`
	MemoryDelta int64         `json:"memoryDeltaBytes"`
	Total       time.Duration `json:"total"`
}

// Env is a wired store, queue, writer and coordinator with a simulated
// server behind the gateway.
type Env struct {
	cfg     Config
	db      kv.Store
	records *record.Store
	queue   *queue.Queue
	writer  *writer.Writer
	coord   *syncer.Coordinator

	rngMu sync.Mutex
	rng   *rand.Rand

	calls    atomic.Int64
	failures atomic.Int64
	dupes    atomic.Int64
	order    atomic.Int64

	serverMu sync.Mutex
	acked    map[string]bool // idempotency keys
	created  map[string]bool // local entity ids known to the server
}

// NewEnv wires the components on db.
func NewEnv(db kv.Store, cfg Config, logger *zap.Logger) *Env {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Env{
		cfg:     cfg,
		db:      db,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		acked:   make(map[string]bool),
		created: make(map[string]bool),
	}
	e.records = record.NewStore(db)
	e.queue = queue.New(db, queue.WithPolicy(cfg.Policy), queue.WithLogger(logger.Named("queue")))
	e.writer = writer.New(e.records, e.queue)
	e.coord = syncer.New(e.queue, e.records, gateway.Func(e.serve), nil, syncer.Options{Logger: logger.Named("syncer")})
	return e
}

// serve simulates the server.
func (e *Env) serve(ctx context.Context, req gateway.Request) (gateway.Ack, error) {
	e.calls.Add(1)
	if e.cfg.GatewayLatency > 0 {
		t := time.NewTimer(e.cfg.GatewayLatency)
		select {
		case <-ctx.Done():
			t.Stop()
			return gateway.Ack{}, gateway.Transient(ctx.Err())
		case <-t.C:
		}
	}
	if e.roll() < e.cfg.FailureRate {
		e.failures.Add(1)
		return gateway.Ack{}, gateway.Transient(errors.New("injected failure"))
	}

	it := req.Item
	e.serverMu.Lock()
	defer e.serverMu.Unlock()

	if e.acked[it.IdempotencyKey] {
		e.dupes.Add(1)
	}
	e.acked[it.IdempotencyKey] = true

	switch it.Kind {
	case queue.OpCreate:
		e.created[it.EntityID] = true
		return gateway.Ack{RemoteID: "srv-" + it.EntityID, StatusCode: 201}, nil
	default:
		if !e.created[it.EntityID] || req.TargetID() != "srv-"+it.EntityID {
			e.order.Add(1)
		}
		return gateway.Ack{StatusCode: 200}, nil
	}
}

func (e *Env) roll() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// Coordinator returns the coordinator driving the drains.
func (e *Env) Coordinator() *syncer.Coordinator { return e.coord }

// RunWriters performs the local writes concurrently and reports their
// latency. Local writes never wait on the simulated server.
func (e *Env) RunWriters(ctx context.Context) (LatencyStats, int, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
		firstErr  error
	)

	for w := 0; w < e.cfg.Writers; w++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(e.cfg.Seed + int64(writerID) + 1))
			local := make([]time.Duration, 0, e.cfg.WritesPerWriter)
			var own []string
			var errs int
			var werr error

			for i := 0; i < e.cfg.WritesPerWriter; i++ {
				if ctx.Err() != nil {
					break
				}
				fields, _ := json.Marshal(map[string]any{"writer": writerID, "seq": i})
				start := time.Now()
				var err error
				if len(own) > 0 && rng.Float64() < e.cfg.UpdateRatio {
					_, _, err = e.writer.Update(ctx, own[rng.Intn(len(own))], fields)
				} else {
					et := e.cfg.EntityTypes[(writerID+i)%len(e.cfg.EntityTypes)]
					var r *record.Record
					r, _, err = e.writer.Create(ctx, fmt.Sprintf("writer-%d", writerID), et, fields)
					if err == nil {
						own = append(own, r.ID)
					}
				}
				local = append(local, time.Since(start))
				if err != nil {
					errs++
					if werr == nil {
						werr = err
					}
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			errCount += errs
			if firstErr == nil {
				firstErr = werr
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(durations) == 0 {
		return LatencyStats{}, errCount, fmt.Errorf("no writes completed: %w", firstErr)
	}
	return computeLatencyStats(durations), errCount, nil
}

// DrainUntilEmpty drains until the queue is empty or MaxRounds is reached,
// waiting for the next retry between rounds.
func (e *Env) DrainUntilEmpty(ctx context.Context) (DrainStats, error) {
	start := time.Now()
	var ds DrainStats

	for ds.Rounds < e.cfg.MaxRounds {
		stats, err := e.queue.Stats(ctx)
		if err != nil {
			return ds, err
		}
		if stats.Pending+stats.Syncing == 0 {
			break
		}

		s := e.coord.Drain(ctx, syncer.TriggerManual)
		ds.Rounds++
		ds.Delivered += s.Succeeded
		if ctx.Err() != nil {
			return ds, ctx.Err()
		}

		next, ok, err := e.queue.NextAttempt(ctx)
		if err != nil {
			return ds, err
		}
		if ok {
			if wait := time.Until(next); wait > 0 {
				select {
				case <-ctx.Done():
					return ds, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
	}

	failed, err := e.queue.ListFailed(ctx)
	if err != nil {
		return ds, err
	}
	ds.Failed = len(failed)
	ds.Calls = e.calls.Load()
	ds.InjectedFails = e.failures.Load()
	ds.Duration = time.Since(start)
	if secs := ds.Duration.Seconds(); secs > 0 {
		ds.ItemsPerSec = float64(ds.Delivered) / secs
	}
	return ds, nil
}

// Verify checks the delivery guarantees after a drain.
func (e *Env) Verify(ctx context.Context) (Violations, error) {
	v := Violations{
		Duplicates: e.dupes.Load(),
		OutOfOrder: e.order.Load(),
	}
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return v, err
	}
	v.Leftover = stats.Total()

	unsynced, err := e.records.ListUnsynced(ctx)
	if err != nil {
		return v, err
	}
	v.Unsynced = len(unsynced)
	return v, nil
}

// CheckQueued reports records that are unsynced without any queue item.
// It holds at every point of a run, not only at the end.
func (e *Env) CheckQueued(ctx context.Context) ([]string, error) {
	unsynced, err := e.records.ListUnsynced(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, r := range unsynced {
		ok, err := e.queue.HasOutstandingTx(ctx, e.db, r.EntityType, r.ID, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			orphans = append(orphans, r.ID)
		}
	}
	return orphans, nil
}

// Run performs writes, drains and verification on db.
func Run(ctx context.Context, db kv.Store, cfg Config, logger *zap.Logger) (*Result, error) {
	env := NewEnv(db, cfg, logger)
	res := &Result{Config: env.cfg}
	start := time.Now()
	before := heapAlloc()

	writes, writeErrs, err := env.RunWriters(ctx)
	if err != nil {
		return nil, err
	}
	res.Writes = writes
	res.WriteErrors = writeErrs

	if res.Drain, err = env.DrainUntilEmpty(ctx); err != nil {
		return nil, err
	}
	if res.Violations, err = env.Verify(ctx); err != nil {
		return nil, err
	}

	res.MemoryDelta = int64(heapAlloc()) - int64(before)
	res.Total = time.Since(start)
	return res, nil
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable report.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Local writes (%d writers x %d):\n", r.Config.Writers, r.Config.WritesPerWriter)
	fmt.Fprintf(w, "  Count:  %d (%d errors)\n", r.Writes.Count, r.WriteErrors)
	fmt.Fprintf(w, "  P50:    %v\n", r.Writes.P50)
	fmt.Fprintf(w, "  Mean:   %v\n", r.Writes.Mean)
	fmt.Fprintf(w, "  P95:    %v\n", r.Writes.P95)
	fmt.Fprintf(w, "  P99:    %v\n", r.Writes.P99)
	fmt.Fprintf(w, "  Max:    %v\n", r.Writes.Max)
	fmt.Fprintf(w, "Delivery:\n")
	fmt.Fprintf(w, "  Rounds:     %d\n", r.Drain.Rounds)
	fmt.Fprintf(w, "  Calls:      %d (%d injected failures)\n", r.Drain.Calls, r.Drain.InjectedFails)
	fmt.Fprintf(w, "  Delivered:  %d\n", r.Drain.Delivered)
	fmt.Fprintf(w, "  Failed:     %d\n", r.Drain.Failed)
	fmt.Fprintf(w, "  Duration:   %v (%.0f items/s)\n", r.Drain.Duration.Round(time.Millisecond), r.Drain.ItemsPerSec)
	fmt.Fprintf(w, "Guarantees:\n")
	fmt.Fprintf(w, "  Duplicates:   %d\n", r.Violations.Duplicates)
	fmt.Fprintf(w, "  Out of order: %d\n", r.Violations.OutOfOrder)
	fmt.Fprintf(w, "  Unsynced:     %d\n", r.Violations.Unsynced)
	fmt.Fprintf(w, "  Leftover:     %d\n", r.Violations.Leftover)
}
