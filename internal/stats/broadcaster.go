// Package stats runs one periodic snapshot task per namespace and pushes each
// snapshot to that namespace's subscribers. Tasks start lazily on the first
// subscription and run until Close.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/metrics"
)

// EventName is the outbound event carrying a snapshot.
const EventName = "stats_update"

// DefaultInterval is the time between two ticks of a namespace task.
const DefaultInterval = 3 * time.Second

// ErrUnknownNamespace is returned by Subscribe for a namespace without a sampler.
var ErrUnknownNamespace = errors.New("stats: no sampler registered for namespace")

// Sampler computes one snapshot. Sample may block briefly.
type Sampler interface {
	Sample(ctx context.Context) (any, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (any, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (any, error) {
	return f(ctx)
}

// Publisher fans an event out to every connection in a namespace.
type Publisher interface {
	Publish(namespace, event string, payload any)
}

type task struct {
	sampler Sampler
	started bool
	last    any
}

// Broadcaster owns the per-namespace tasks.
type Broadcaster struct {
	mu       sync.Mutex
	tasks    map[string]*task
	interval time.Duration

	publisher Publisher
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Broadcaster that publishes through p every interval. A
// non-positive interval selects DefaultInterval.
func New(p Publisher, interval time.Duration, logger zerolog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		tasks:     make(map[string]*task),
		interval:  interval,
		publisher: p,
		logger:    logger.With().Str("component", "stats").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register binds a sampler to namespace. Registering twice replaces the
// sampler for ticks that have not run yet.
func (b *Broadcaster) Register(namespace string, s Sampler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tasks[namespace]; ok {
		t.sampler = s
		return
	}
	b.tasks[namespace] = &task{sampler: s}
}

// Subscribe computes a snapshot for the requester and makes sure the
// namespace task is running. The snapshot is returned, not published.
func (b *Broadcaster) Subscribe(ctx context.Context, namespace string) (any, error) {
	b.mu.Lock()
	t, ok := b.tasks[namespace]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownNamespace
	}
	sampler := t.sampler
	b.startLocked(namespace, t)
	b.mu.Unlock()

	snap, err := sampler.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", namespace, err)
	}
	b.store(namespace, snap)
	return snap, nil
}

// Running reports whether the namespace task has been started.
func (b *Broadcaster) Running(namespace string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[namespace]
	return ok && t.started
}

// Latest returns the most recent snapshot for namespace.
func (b *Broadcaster) Latest(namespace string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[namespace]
	if !ok || t.last == nil {
		return nil, false
	}
	return t.last, true
}

// Close stops every task and waits for them to return.
func (b *Broadcaster) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Broadcaster) startLocked(namespace string, t *task) {
	if t.started || b.ctx.Err() != nil {
		return
	}
	t.started = true
	b.wg.Add(1)
	go b.run(namespace)
	b.logger.Info().Str("namespace", namespace).Dur("interval", b.interval).Msg("stats task started")
}

func (b *Broadcaster) run(namespace string) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.tick(namespace)
		}
	}
}

// tick never lets a failing sampler stop the task.
func (b *Broadcaster) tick(namespace string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StatsTicks.WithLabelValues(namespace, "error").Inc()
			b.logger.Error().Interface("panic", r).Str("namespace", namespace).Msg("stats tick panicked")
		}
	}()

	b.mu.Lock()
	sampler := b.tasks[namespace].sampler
	b.mu.Unlock()

	snap, err := sampler.Sample(b.ctx)
	if err != nil {
		metrics.StatsTicks.WithLabelValues(namespace, "error").Inc()
		b.logger.Warn().Err(err).Str("namespace", namespace).Msg("stats tick failed")
		return
	}
	b.store(namespace, snap)
	b.publisher.Publish(namespace, EventName, snap)
	metrics.StatsTicks.WithLabelValues(namespace, "ok").Inc()
}

func (b *Broadcaster) store(namespace string, snap any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[namespace]; ok {
		t.last = snap
	}
}
