package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Handler handles one task attempt.
type Handler interface {
	Handle(ctx context.Context, task domain.JobTask) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task domain.JobTask) Outcome

func (f HandlerFunc) Handle(ctx context.Context, task domain.JobTask) Outcome { return f(ctx, task) }

// TerminalHook observes tasks that will not run again, successful or not.
type TerminalHook func(ctx context.Context, task domain.JobTask, out Outcome)

// Queue binds a queue name to its handler.
type Queue struct {
	Name        string
	Concurrency int
	Handler     Handler
	OnTerminal  TerminalHook
}

// Config tunes a Runner.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	Lease           time.Duration
	PollInterval    time.Duration
	RecoverInterval time.Duration
}

// DefaultConfig returns the settings used when a field is zero.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		RetryDelay:      10 * time.Second,
		Lease:           2 * time.Minute,
		PollInterval:    500 * time.Millisecond,
		RecoverInterval: 30 * time.Second,
	}
}

type periodic struct {
	every time.Duration
	task  func() domain.JobTask
}

// Runner consumes registered queues.
type Runner struct {
	queue    domain.TaskQueue
	cfg      Config
	metrics  *Metrics
	queues   map[string]Queue
	order    []string
	periodic []periodic
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a Runner. metrics may be nil.
func NewRunner(queue domain.TaskQueue, cfg Config, metrics *Metrics, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = def.RecoverInterval
	}
	return &Runner{
		queue:   queue,
		cfg:     cfg,
		metrics: metrics,
		queues:  make(map[string]Queue),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "jobs")),
	}
}

// Register adds a queue. Registering a name twice replaces the handler.
func (r *Runner) Register(q Queue) {
	if q.Concurrency <= 0 {
		q.Concurrency = 1
	}
	if _, ok := r.queues[q.Name]; !ok {
		r.order = append(r.order, q.Name)
	}
	r.queues[q.Name] = q
}

// Every enqueues the task built by fn once per interval, unless one is
// already pending. A non-positive interval schedules nothing.
func (r *Runner) Every(interval time.Duration, fn func() domain.JobTask) {
	if interval <= 0 {
		return
	}
	r.periodic = append(r.periodic, periodic{every: interval, task: fn})
}

// Run consumes every registered queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.queues) == 0 {
		return errors.New("jobs: no queues registered")
	}
	r.logger.InfoContext(ctx, "job runner starting", slog.Int("queues", len(r.queues)))

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.order {
		q := r.queues[name]
		g.Go(func() error { return r.consume(ctx, q) })
		g.Go(func() error { return r.recoverLoop(ctx, q.Name) })
	}
	for _, p := range r.periodic {
		g.Go(func() error { return r.schedule(ctx, p) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		r.logger.Info("job runner stopped")
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context, q Queue) error {
	var pool errgroup.Group
	defer func() { _ = pool.Wait() }()

	// A slot is taken before leasing so leases do not run down while a
	// task waits for a worker.
	slots := make(chan struct{}, q.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}
		task, err := r.queue.Dequeue(ctx, q.Name, r.now(), r.cfg.Lease)
		if err != nil {
			<-slots
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "dequeue failed",
					slog.String("queue", q.Name),
					slog.String("error", err.Error()),
				)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		pool.Go(func() error {
			defer func() { <-slots }()
			r.execute(ctx, q, task)
			return nil
		})
	}
}

func (r *Runner) recoverLoop(ctx context.Context, queue string) error {
	ticker := time.NewTicker(r.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.queue.Recover(ctx, queue, r.now())
			if err != nil {
				r.logger.WarnContext(ctx, "recover leases failed",
					slog.String("queue", queue),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				r.logger.InfoContext(ctx, "recovered expired leases",
					slog.String("queue", queue),
					slog.Int("count", n),
				)
			}
		}
	}
}

func (r *Runner) schedule(ctx context.Context, p periodic) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		task := p.task()
		task.CreatedAt = r.now()
		task.DelayUntil = task.CreatedAt
		if _, err := r.queue.EnqueueIfAbsent(ctx, task); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "periodic enqueue failed",
				slog.String("queue", task.Queue),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases and handles one due task of queue. It reports whether a
// task was found.
func (r *Runner) RunOnce(ctx context.Context, queue string) (bool, error) {
	q, ok := r.queues[queue]
	if !ok {
		return false, fmt.Errorf("jobs: queue %s not registered", queue)
	}
	task, err := r.queue.Dequeue(ctx, queue, r.now(), r.cfg.Lease)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.execute(ctx, q, task)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, q Queue, task domain.JobTask) {
	task.Queue = q.Name
	start := time.Now()
	out := r.handle(ctx, q, task)
	r.metrics.observe(q.Name, out, time.Since(start).Seconds())
	r.settle(ctx, q, task, out)
}

func (r *Runner) handle(ctx context.Context, q Queue, task domain.JobTask) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Failed(fmt.Errorf("jobs: handler panic: %v", p))
		}
	}()
	return q.Handler.Handle(ctx, task)
}

// settle applies the retry state machine to an attempt's outcome.
func (r *Runner) settle(ctx context.Context, q Queue, task domain.JobTask, out Outcome) {
	now := r.now()
	switch out.Kind {
	case KindSuccess:
		r.ack(ctx, task)
		r.terminal(ctx, q, task, out)

	case KindThrottled:
		task.DelayUntil = now.Add(out.Delay)
		r.reschedule(ctx, task)
		r.logger.DebugContext(ctx, "task throttled",
			slog.String("queue", task.Queue),
			slog.String("task_id", task.ID),
			slog.Duration("delay", out.Delay),
		)

	case KindFailed:
		if task.RetryCount < r.cfg.MaxRetries {
			task.RetryCount++
			task.DelayUntil = now.Add(r.cfg.RetryDelay)
			r.reschedule(ctx, task)
			r.logger.WarnContext(ctx, "task failed, retrying",
				slog.String("queue", task.Queue),
				slog.String("task_id", task.ID),
				slog.Int("retry", task.RetryCount),
				slog.String("error", out.Describe()),
			)
			return
		}
		fallthrough

	default:
		r.ack(ctx, task)
		r.metrics.fail(q.Name, out)
		r.logger.ErrorContext(ctx, "task failed permanently",
			slog.String("queue", task.Queue),
			slog.String("task_id", task.ID),
			slog.Int("retries", task.RetryCount),
			slog.String("error", out.Describe()),
		)
		r.terminal(ctx, q, task, out)
	}
}

// reschedule puts the task back unless a fresher one with the same id was
// enqueued while it ran.
func (r *Runner) reschedule(ctx context.Context, task domain.JobTask) {
	if _, err := r.queue.EnqueueIfAbsent(ctx, task); err != nil {
		// The lease expires and Recover redelivers the task.
		r.logger.ErrorContext(ctx, "reschedule failed",
			slog.String("queue", task.Queue),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.ack(ctx, task)
}

func (r *Runner) ack(ctx context.Context, task domain.JobTask) {
	if err := r.queue.Ack(ctx, task.Queue, task.ID); err != nil {
		r.logger.ErrorContext(ctx, "ack failed",
			slog.String("queue", task.Queue),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) terminal(ctx context.Context, q Queue, task domain.JobTask, out Outcome) {
	if q.OnTerminal != nil {
		q.OnTerminal(ctx, task, out)
	}
}
