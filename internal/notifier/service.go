package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"botrunner/internal/eventbus"
	rtsup "botrunner/internal/runtime/supervisor"
	"botrunner/internal/task"
	logx "botrunner/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	defaultWorkers   = 1
	defaultQueueSize = 256
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryMax  = 10 * time.Second
	sendTimeout      = 10 * time.Second
	retryJitter      = 0.3
)

type job struct {
	key  string
	text string
}

// pipeline is one Start..Stop generation: the queue and the goroutines
// serving it.
type pipeline struct {
	queue chan job
	sup   *rtsup.Supervisor
	unsub func()
	// pending counts enqueues between the accept check and the queue send.
	pending sync.WaitGroup
	// done is nil while running; Stop sets it and closes it once drained.
	done chan struct{}
}

// Service delivers failure notifications through a bounded queue served by
// a worker pool, with rate limiting, retry and optional dedup. It turns
// run.failed and run.retry bus events into messages. Safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	run     *pipeline

	dedup *dedupCache
	sent  sentLog
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		dedup:  newDedupCache(),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate, retry, dedup and formatting settings. Workers and
// queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg.Workers = max(cfg.Workers, defaultWorkers)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.RatePerSec = max(cfg.RatePerSec, 1)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMax
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.OutputExcerpt <= 0 {
		cfg.OutputExcerpt = defaultExcerpt
	}
	s.cfg = cfg
	// Burst equals the per-second rate so a short spike is not serialized.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// backoffPolicy expresses the send retry schedule with the same backoff
// rules task retries use.
func backoffPolicy(cfg Config) task.RetryPolicy {
	return task.RetryPolicy{
		Enabled:    true,
		MaxRetries: cfg.RetryMax,
		Base:       cfg.RetryBase,
		MaxDelay:   cfg.RetryMaxDelay,
		Jitter:     retryJitter,
	}
}

// Start launches the workers and the bus listener. It is a no-op when the
// notifier is disabled, has no sender or is already running, and waits for
// a Stop in progress to finish first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if p := s.run; p != nil && p.done != nil {
		done := p.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	p := &pipeline{
		queue: make(chan job, s.cfg.QueueSize),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// Best-effort: a notifier failure never stops the app.
			rtsup.WithCancelOnError(false),
		),
	}
	s.run = p

	if s.bus != nil {
		var events <-chan eventbus.Event
		events, p.unsub = s.bus.Subscribe(64, "run.")
		p.sup.GoRestart("events", func(c context.Context) error {
			s.eventLoop(c, events)
			return s.exitReason(c, p, "event loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < s.cfg.Workers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, p.queue, rand.New(rand.NewSource(seed)))
			return s.exitReason(c, p, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// exitReason tells the supervisor whether a returning loop should restart.
func (s *Service) exitReason(ctx context.Context, p *pipeline, what string) error {
	s.mu.Lock()
	stopping := p.done != nil
	s.mu.Unlock()
	switch {
	case stopping:
		return context.Canceled
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop closes intake and lets the workers drain the queue. If ctx ends
// first the workers are cancelled and queued messages are lost.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := p.done == nil
	if first {
		p.done = make(chan struct{})
	}
	done := p.done
	s.mu.Unlock()

	if first {
		go s.drain(p)
	}
	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

func (s *Service) drain(p *pipeline) {
	if p.unsub != nil {
		p.unsub()
	}
	p.pending.Wait()
	close(p.queue)
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	if s.run == p {
		s.run = nil
	}
	s.mu.Unlock()
	close(p.done)
	s.log.Debug("notifier stopped")
}

// Notify queues text for delivery.
func (s *Service) Notify(ctx context.Context, text string) error {
	return s.enqueue(ctx, textKey(text), text)
}

func (s *Service) enqueue(ctx context.Context, key, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	p, cfg := s.run, s.cfg
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil || p.done != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.pending.Add(1)
	s.mu.Unlock()
	defer p.pending.Done()

	if cfg.DedupWindow > 0 && key != "" && !s.dedup.allow(key, time.Now(), cfg.DedupWindow) {
		s.publish("notifier.deduped", NotificationEvent{Key: key})
		return nil
	}
	select {
	case p.queue <- job{key: key, text: text}:
		s.publish("notifier.queued", NotificationEvent{Key: key})
		return nil
	default:
		s.publish("notifier.dropped", NotificationEvent{Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Snapshot returns the most recent delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem { return s.sent.snapshot() }

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		var (
			ev eventbus.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		key, text, want := messageFor(ev, cfg)
		if !want {
			continue
		}
		err := s.enqueue(ctx, key, text)
		if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrDisabled) {
			s.log.Warn("failure notification dropped", logx.String("event", ev.Type), logx.Err(err))
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j, rng)
		}
	}
}

// deliver sends one message, retrying with backoff up to RetryMax times.
func (s *Service) deliver(ctx context.Context, j job, rng *rand.Rand) {
	if j.text == "" {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	policy := backoffPolicy(cfg)

	var err error
	for attempt := 1; ; attempt++ {
		if lim.Wait(ctx) != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.sender.Send(callCtx, j.text)
		cancel()
		if err == nil {
			s.sent.add(time.Now(), j.text)
			s.publish("notifier.sent", NotificationEvent{Key: j.key})
			return
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt > cfg.RetryMax {
			break
		}
		if !sleepCtx(ctx, policy.Backoff(attempt, rng)) {
			return
		}
	}
	s.log.Warn("notification failed", logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
	s.publish("notifier.failed", NotificationEvent{Key: j.key, Error: err.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func textKey(text string) string {
	if text == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}
