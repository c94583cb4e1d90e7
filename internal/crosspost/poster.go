package crosspost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/jobs"
)

// EventFailed is the notification event raised when an order could not be
// cross-posted.
const EventFailed = "crosspost_failed"

// feesKind is the rejection kind that points at stale royalty data.
const feesKind = "fees"

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Limit is a token bucket: Capacity posts per Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// Metrics records cross-posting latency.
type Metrics struct {
	latency *prometheus.HistogramVec
}

// NewMetrics registers the cross-posting metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nftbook",
			Subsystem: "crosspost",
			Name:      "latency_seconds",
			Help:      "Time from task creation to a posted or failed outcome.",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"destination", "status"}),
	}
	reg.MustRegister(m.latency)
	return m
}

func (m *Metrics) observe(destination, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(destination, status).Observe(d.Seconds())
}

// PosterDeps are the collaborators of a Poster. Alerter and Metrics may be
// nil.
type PosterDeps struct {
	Orders   domain.OrderStore
	Statuses domain.CrossPostStore
	Limiter  domain.RateLimiter
	Queue    domain.TaskQueue
	Alerter  Alerter
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Poster handles the queue of one destination.
type Poster struct {
	dest     Destination
	limit    Limit
	orders   domain.OrderStore
	statuses domain.CrossPostStore
	limiter  domain.RateLimiter
	queue    domain.TaskQueue
	alerter  Alerter
	metrics  *Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewPoster creates a Poster for dest.
func NewPoster(dest Destination, limit Limit, d PosterDeps) *Poster {
	if limit.Capacity <= 0 {
		limit.Capacity = 2
	}
	if limit.Window <= 0 {
		limit.Window = time.Second
	}
	return &Poster{
		dest:     dest,
		limit:    limit,
		orders:   d.Orders,
		statuses: d.Statuses,
		limiter:  d.Limiter,
		queue:    d.Queue,
		alerter:  d.Alerter,
		metrics:  d.Metrics,
		now:      time.Now,
		logger:   d.Logger.With(slog.String("component", "crosspost"), slog.String("destination", dest.Name())),
	}
}

// Queue returns the runner registration for this destination.
func (p *Poster) Queue(concurrency int) jobs.Queue {
	return jobs.Queue{
		Name:        domain.CrossPostQueue(p.dest.Name()),
		Concurrency: concurrency,
		Handler:     jobs.HandlerFunc(p.Handle),
		OnTerminal:  p.OnTerminal,
	}
}

// Handle makes one posting attempt.
func (p *Poster) Handle(ctx context.Context, task domain.JobTask) jobs.Outcome {
	var req domain.CrossPostRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return jobs.Invalid("payload", err.Error())
	}

	st, err := p.statuses.Get(ctx, req.OrderID, p.dest.Name())
	switch {
	case err == nil && st.Status == domain.CrossPostPosted:
		return jobs.Success()
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return jobs.Failed(err)
	case err != nil:
		pending := domain.CrossPostStatus{
			OrderID:     req.OrderID,
			Destination: p.dest.Name(),
			Status:      domain.CrossPostPending,
			CreatedAt:   task.CreatedAt,
		}
		if err := p.statuses.Upsert(ctx, pending); err != nil {
			return jobs.Failed(err)
		}
	}

	order, err := p.orders.GetByID(ctx, req.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return jobs.Invalid("order-not-found", req.OrderID)
	}
	if err != nil {
		return jobs.Failed(err)
	}
	if !order.Fillable() {
		return jobs.Invalid("not-fillable", string(order.FillabilityStatus))
	}

	ok, reset, err := p.limiter.Take(ctx, "crosspost:"+p.dest.Bucket(), p.limit.Capacity, p.limit.Window)
	if err != nil {
		return jobs.Failed(err)
	}
	if !ok {
		return jobs.Throttled(reset)
	}

	return outcomeOf(p.dest.Post(ctx, order))
}

func outcomeOf(err error) jobs.Outcome {
	if err == nil {
		return jobs.Success()
	}
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return jobs.Throttled(throttled.Delay)
	}
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		return jobs.Invalid(invalid.Kind, invalid.Message)
	}
	return jobs.Failed(err)
}

// OnTerminal records the final status of a task.
func (p *Poster) OnTerminal(ctx context.Context, task domain.JobTask, out jobs.Outcome) {
	var req domain.CrossPostRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return
	}

	if out.Kind == jobs.KindSuccess {
		st, err := p.statuses.Get(ctx, req.OrderID, p.dest.Name())
		if err == nil && st.Status == domain.CrossPostPosted {
			p.logger.DebugContext(ctx, "order already cross-posted", slog.String("order_id", req.OrderID))
			return
		}
	}

	status := domain.CrossPostStatus{
		OrderID:     req.OrderID,
		Destination: p.dest.Name(),
		Status:      domain.CrossPostPosted,
		CreatedAt:   task.CreatedAt,
	}
	if out.Kind != jobs.KindSuccess {
		status.Status = domain.CrossPostFailed
		status.Reason = out.Describe()
	}
	if err := p.statuses.Upsert(ctx, status); err != nil {
		p.logger.ErrorContext(ctx, "persist crosspost status failed",
			slog.String("order_id", req.OrderID),
			slog.String("error", err.Error()),
		)
	}
	p.metrics.observe(p.dest.Name(), status.Status, p.now().Sub(task.CreatedAt))

	if status.Status == domain.CrossPostPosted {
		p.logger.InfoContext(ctx, "order cross-posted", slog.String("order_id", req.OrderID))
		return
	}

	if out.Kind == jobs.KindInvalid && out.Reason == feesKind {
		p.refreshRoyalties(ctx, req.OrderID)
	}
	if p.alerter != nil {
		title := fmt.Sprintf("Cross-post to %s failed", p.dest.Name())
		msg := fmt.Sprintf("order %s: %s", req.OrderID, status.Reason)
		if err := p.alerter.Notify(ctx, EventFailed, title, msg); err != nil {
			p.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
		}
	}
}

// refreshRoyalties schedules a metadata refresh for the order's contract so
// later submissions carry corrected fees.
func (p *Poster) refreshRoyalties(ctx context.Context, orderID string) {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return
	}
	task := domain.MetadataRefreshTask(domain.MetadataRefresh{
		Contract: order.Contract,
		Reason:   feesKind,
	})
	task.CreatedAt = p.now()
	task.DelayUntil = task.CreatedAt
	if _, err := p.queue.EnqueueIfAbsent(ctx, task); err != nil {
		p.logger.WarnContext(ctx, "enqueue metadata refresh failed",
			slog.String("contract", order.Contract),
			slog.String("error", err.Error()),
		)
	}
}
