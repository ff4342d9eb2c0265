package queue

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"esimflow/metrics"
	"esimflow/order"
	"esimflow/provider"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the queue data access the processor drives.
type Store interface {
	Enqueue(ctx context.Context, orderNo string, workType WorkType, maxRetries int) (Item, bool, error)
	ClaimBatch(ctx context.Context, limit int) ([]Item, error)
	MarkCompleted(ctx context.Context, id int64) error
	Requeue(ctx context.Context, id int64, retryCount int, lastError string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	FailExpired(ctx context.Context, maxAge time.Duration) ([]Item, error)
}

// ProvisionClient is the outbound provisioning call the processor makes.
type ProvisionClient interface {
	FetchOrderStatus(ctx context.Context, orderNo string) (provider.Profile, error)
}

// Reconciler folds queue outcomes into order state.
type Reconciler interface {
	Apply(ctx context.Context, sig order.Signal) (order.Outcome, error)
}

// FailureNotifier is told about terminal fulfillment failures.
type FailureNotifier interface {
	FulfillmentFailed(ctx context.Context, orderNo, reason string)
}

// Options tune a processor. Zero values fall back to conservative defaults.
type Options struct {
	BatchSize   int
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
	StaleAfter  time.Duration
	MaxAge      time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Minute
	}
	return o
}

// Summary is the result of one batch run.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Processor claims pending work and drives it through the provisioning
// client. It holds no timer and no safety-critical in-memory state: it is
// constructed per invocation and coordinates entirely through the store's
// atomic updates, so overlapping runs and multiple processes are safe.
type Processor struct {
	store    Store
	client   ProvisionClient
	rec      Reconciler
	notifier FailureNotifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
	jitter   func() float64
}

func NewProcessor(store Store, client ProvisionClient, rec Reconciler, logger *zap.Logger, opts Options) *Processor {
	return &Processor{
		store:  store,
		client: client,
		rec:    rec,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
		// +/-20% spreads retries from a burst of failures apart.
		jitter: func() float64 { return 0.8 + rand.Float64()*0.4 },
	}
}

// WithNotifier wires the failure notification boundary.
func (p *Processor) WithNotifier(n FailureNotifier) *Processor {
	p.notifier = n
	return p
}

// WithClock overrides the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Enqueue registers fulfillment work for an order. Duplicate requests while
// an item is unresolved coalesce onto the existing item.
func (p *Processor) Enqueue(ctx context.Context, orderNo string, workType WorkType) (Item, error) {
	item, created, err := p.store.Enqueue(ctx, orderNo, workType, p.opts.MaxRetries)
	if err != nil {
		return Item{}, err
	}
	if created {
		p.logger.Info("queued fulfillment work",
			zap.String("order_no", orderNo),
			zap.String("work_type", string(workType)))
	} else {
		p.logger.Info("coalesced duplicate enqueue",
			zap.String("order_no", orderNo),
			zap.String("work_type", string(workType)),
			zap.Int64("item_id", item.ID))
	}
	return item, nil
}

// ProcessBatch runs one bounded batch: reclaims stale claims, expires items
// past the age deadline, then claims and processes eligible pending items on
// a small worker pool. A single item's failure never aborts the rest. The
// external scheduler decides the cadence; this method holds no timer.
func (p *Processor) ProcessBatch(ctx context.Context) (Summary, error) {
	if reclaimed, err := p.store.ReclaimStale(ctx, p.opts.StaleAfter); err != nil {
		p.logger.Error("stale reclaim failed", zap.Error(err))
	} else if reclaimed > 0 {
		p.logger.Warn("reclaimed stalled items", zap.Int64("count", reclaimed))
	}

	var summary Summary

	expired, err := p.store.FailExpired(ctx, p.opts.MaxAge)
	if err != nil {
		p.logger.Error("expire pass failed", zap.Error(err))
	}
	for _, item := range expired {
		summary.Processed++
		summary.Failed++
		p.propagateFailure(ctx, item.OrderNo, "fulfillment deadline exceeded")
	}

	items, err := p.store.ClaimBatch(ctx, p.opts.BatchSize)
	if err != nil {
		return summary, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, item := range items {
		g.Go(func() error {
			outcome := p.processOne(gctx, item)
			mu.Lock()
			summary.Processed++
			switch outcome {
			case outcomeSucceeded:
				summary.Succeeded++
			case outcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

type outcome int

const (
	outcomeRetried outcome = iota
	outcomeSucceeded
	outcomeFailed
)

// processOne drives a single claimed item through the provisioning client
// and resolves it. Transient failures go back to PENDING with exponential
// backoff until the retry ceiling; permanent failures and exhausted retries
// resolve the item and fail the order.
func (p *Processor) processOne(ctx context.Context, item Item) outcome {
	metrics.QueueItemsProcessed.Inc()

	started := p.now()
	profile, err := p.client.FetchOrderStatus(ctx, item.OrderNo)
	metrics.ProviderCallDuration.Observe(time.Since(started).Seconds())

	if err == nil {
		return p.resolveSuccess(ctx, item, profile)
	}

	if provider.IsPermanent(err) {
		p.logger.Warn("permanent provider failure",
			zap.String("order_no", item.OrderNo),
			zap.Int64("item_id", item.ID),
			zap.Error(err))
		return p.resolveFailure(ctx, item, item.RetryCount, err.Error())
	}

	// Transient, plus unclassified faults which retry against a lowered
	// ceiling so an unexpected bug cannot loop forever.
	ceiling := p.ceilingFor(err, item)
	attempts := item.RetryCount + 1
	if attempts >= ceiling {
		reason := "retries exhausted: " + err.Error()
		p.logger.Warn("retry ceiling reached",
			zap.String("order_no", item.OrderNo),
			zap.Int64("item_id", item.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return p.resolveFailure(ctx, item, attempts, reason)
	}

	next := p.now().Add(p.backoff(attempts))
	if reqErr := p.store.Requeue(ctx, item.ID, attempts, err.Error(), next); reqErr != nil {
		p.logger.Error("requeue failed",
			zap.Int64("item_id", item.ID), zap.Error(reqErr))
		return outcomeRetried
	}
	metrics.QueueItemsRetried.Inc()
	p.logger.Info("transient failure, retry scheduled",
		zap.String("order_no", item.OrderNo),
		zap.Int64("item_id", item.ID),
		zap.Int("retry_count", attempts),
		zap.Time("next_attempt", next))
	return outcomeRetried
}

func (p *Processor) resolveSuccess(ctx context.Context, item Item, profile provider.Profile) outcome {
	_, err := p.rec.Apply(ctx, order.Signal{
		OrderNo: item.OrderNo,
		Source:  order.SourceQueue,
		Status:  profile.Status,
		Profile: &profile,
	})
	if err != nil {
		// The provider answered but our own write failed; keep the item
		// claimed-to-pending without burning a retry.
		p.logger.Error("reconcile after success failed",
			zap.String("order_no", item.OrderNo), zap.Error(err))
		if reqErr := p.store.Requeue(ctx, item.ID, item.RetryCount, err.Error(), p.now().Add(p.opts.BaseBackoff)); reqErr != nil {
			p.logger.Error("requeue after reconcile failure failed",
				zap.Int64("item_id", item.ID), zap.Error(reqErr))
		}
		return outcomeRetried
	}

	if err := p.store.MarkCompleted(ctx, item.ID); err != nil {
		p.logger.Error("mark completed failed",
			zap.Int64("item_id", item.ID), zap.Error(err))
		return outcomeRetried
	}
	metrics.QueueItemsSucceeded.Inc()
	return outcomeSucceeded
}

func (p *Processor) resolveFailure(ctx context.Context, item Item, retryCount int, reason string) outcome {
	if err := p.store.MarkFailed(ctx, item.ID, retryCount, reason); err != nil {
		p.logger.Error("mark failed failed",
			zap.Int64("item_id", item.ID), zap.Error(err))
	}
	p.propagateFailure(ctx, item.OrderNo, reason)
	metrics.QueueItemsFailed.Inc()
	return outcomeFailed
}

func (p *Processor) propagateFailure(ctx context.Context, orderNo, reason string) {
	if _, err := p.rec.Apply(ctx, order.Signal{
		OrderNo: orderNo,
		Source:  order.SourceQueue,
		Failure: reason,
	}); err != nil {
		p.logger.Error("failure propagation failed",
			zap.String("order_no", orderNo), zap.Error(err))
	}
	if p.notifier != nil {
		p.notifier.FulfillmentFailed(ctx, orderNo, reason)
	}
}

func (p *Processor) ceilingFor(err error, item Item) int {
	ceiling := p.opts.MaxRetries
	if item.MaxRetries > 0 && item.MaxRetries < ceiling {
		ceiling = item.MaxRetries
	}
	if !provider.IsTransient(err) {
		ceiling = ceiling / 2
		if ceiling < 1 {
			ceiling = 1
		}
	}
	return ceiling
}

// backoff returns the delay before attempt n becomes eligible again:
// base * 2^(n-1), jittered.
func (p *Processor) backoff(attempt int) time.Duration {
	base := p.opts.BaseBackoff
	if attempt > 1 {
		base = base * time.Duration(1<<(attempt-1))
	}
	return time.Duration(float64(base) * p.jitter())
}
