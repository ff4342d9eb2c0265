package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"esimflow/provider"

	"go.uber.org/zap"
)

// Signal sources; recorded in order_events for auditing.
const (
	SourceQueue   = "queue"
	SourceWebhook = "webhook"
)

var (
	// ErrConflict signals the compare-and-set write kept losing to concurrent
	// writers past the retry budget.
	ErrConflict = errors.New("order: concurrent update conflict")
)

// Signal is one incoming status observation, from either the queue path or
// the webhook path. Both converge on Reconciler.Apply.
type Signal struct {
	OrderNo string
	Source  string
	// Status is the provider's vocabulary; mapped through a closed table.
	Status string
	// Failure, when non-empty, is a permanent provider failure.
	Failure string
	// Profile carries whatever fields the signal supplied; absent fields
	// never overwrite stored ones.
	Profile *provider.Profile
}

// Outcome reports what Apply did.
type Outcome struct {
	Applied bool
	From    Status
	To      Status
}

// providerStatusMap is the closed mapping from provider vocabulary to the
// internal state machine. Unlisted values are logged no-ops.
var providerStatusMap = map[string]Status{
	"GOT_RESOURCE":       StatusGotResource,
	"READY_FOR_DOWNLOAD": StatusCompleted,
	"ACTIVE":             StatusCompleted,
	"INSTALLATION":       StatusCompleted,
	"ENABLED":            StatusCompleted,
	"IN_USE":             StatusCompleted,
	"USED_UP":            StatusCompleted,
	"USED_EXPIRED":       StatusCompleted,
	"CANCEL":             StatusFailed,
	"REVOKED":            StatusFailed,
}

// Store is the data access the reconciler needs.
type Store interface {
	Get(ctx context.Context, orderNo string) (Order, error)
	TransitionStatus(ctx context.Context, orderNo string, from, to Status, u Updates, source, detail string) (bool, error)
	ApplyUsage(ctx context.Context, orderNo string, u Updates) error
}

// WorkFailer lets a webhook-driven permanent failure resolve any still-open
// queue work for the order.
type WorkFailer interface {
	FailUnresolved(ctx context.Context, orderNo, reason string) error
}

// Reconciler applies incoming signals to orders, enforcing the monotonic,
// idempotent state machine. Safe for concurrent use across the queue and
// webhook paths: the store's conditional update is the synchronization point.
type Reconciler struct {
	store       Store
	work        WorkFailer
	logger      *zap.Logger
	maxAttempts int
}

func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		logger:      logger,
		maxAttempts: 3,
	}
}

// WithWorkFailer wires the queue store so webhook-delivered permanent
// failures also close out pending work items.
func (r *Reconciler) WithWorkFailer(w WorkFailer) *Reconciler {
	r.work = w
	return r
}

// Apply folds one signal into the order's state. Duplicate, stale and
// unrecognized signals are absorbed without changing status; conflicting
// concurrent writes are retried against a fresh read.
func (r *Reconciler) Apply(ctx context.Context, sig Signal) (Outcome, error) {
	if sig.OrderNo == "" {
		return Outcome{}, fmt.Errorf("order: signal missing order number")
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		current, err := r.store.Get(ctx, sig.OrderNo)
		if err != nil {
			return Outcome{}, err
		}

		if current.Status.Terminal() {
			// The status change is absorbed, but usage and sub-status fields
			// keep flowing: the provider reports consumption mostly after an
			// order completes.
			if updates := mergeProfile(sig.Profile); !updates.empty() {
				if err := r.store.ApplyUsage(ctx, sig.OrderNo, updates); err != nil {
					return Outcome{}, err
				}
			}
			r.logger.Info("status signal discarded for terminal order",
				zap.String("order_no", sig.OrderNo),
				zap.String("status", string(current.Status)),
				zap.String("source", sig.Source),
				zap.String("provider_status", sig.Status))
			return Outcome{Applied: false, From: current.Status, To: current.Status}, nil
		}

		target, updates, detail := r.plan(current, sig)

		if target == "" || !ValidTransition(current.Status, target) {
			// No forward move; still merge any supplied profile fields.
			if !updates.empty() {
				if err := r.store.ApplyUsage(ctx, sig.OrderNo, updates); err != nil {
					return Outcome{}, err
				}
			}
			if target == "" && sig.Status != "" {
				r.logger.Warn("unrecognized provider status",
					zap.String("order_no", sig.OrderNo),
					zap.String("provider_status", sig.Status))
			}
			return Outcome{Applied: false, From: current.Status, To: current.Status}, nil
		}

		ok, err := r.store.TransitionStatus(ctx, sig.OrderNo, current.Status, target, updates, sig.Source, detail)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			// Lost the race; reload and re-plan against the fresh state.
			continue
		}

		if target == StatusFailed && r.work != nil && sig.Source != SourceQueue {
			if err := r.work.FailUnresolved(ctx, sig.OrderNo, detail); err != nil {
				r.logger.Error("failed to close queue work after order failure",
					zap.String("order_no", sig.OrderNo), zap.Error(err))
			}
		}

		r.logger.Info("order transitioned",
			zap.String("order_no", sig.OrderNo),
			zap.String("from", string(current.Status)),
			zap.String("to", string(target)),
			zap.String("source", sig.Source))
		return Outcome{Applied: true, From: current.Status, To: target}, nil
	}

	return Outcome{}, ErrConflict
}

// plan decides the target status and field updates for a signal against the
// order's current state. An empty target means no status change.
func (r *Reconciler) plan(current Order, sig Signal) (Status, Updates, string) {
	updates := mergeProfile(sig.Profile)

	if sig.Failure != "" {
		failure := sig.Failure
		updates.LastError = &failure
		return StatusFailed, updates, failure
	}

	mapped, known := providerStatusMap[strings.ToUpper(sig.Status)]

	switch {
	case known && mapped == StatusCompleted:
		return StatusCompleted, updates, sig.Status
	case known && mapped == StatusFailed:
		reason := "provider reported " + sig.Status
		updates.LastError = &reason
		return StatusFailed, updates, reason
	case sig.Profile != nil && sig.Profile.HasResource():
		return StatusGotResource, updates, sig.Status
	case known && mapped == StatusGotResource:
		return StatusGotResource, updates, sig.Status
	default:
		return "", updates, ""
	}
}

func mergeProfile(p *provider.Profile) Updates {
	var u Updates
	if p == nil {
		return u
	}
	if p.QRCode != "" {
		u.QRCode = &p.QRCode
	}
	if p.ICCID != "" {
		u.ICCID = &p.ICCID
	}
	if p.EsimStatus != "" {
		u.EsimStatus = &p.EsimStatus
	}
	if p.SMDPStatus != "" {
		u.SMDPStatus = &p.SMDPStatus
	}
	// Numeric fields are pointers: a supplied zero (plan exhausted, expiry
	// day) is a real value and must overwrite the stored one.
	u.DataUsed = p.DataUsed
	u.DataRemaining = p.DataRemaining
	u.DaysRemaining = p.DaysRemaining
	if p.ExpiryDate != nil {
		u.ExpiryDate = p.ExpiryDate
	}
	return u
}
