package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"esimflow/metrics"
	"esimflow/order"
	"esimflow/provider"

	"go.uber.org/zap"
)

// AuditStore records deliveries before they are acted on.
type AuditStore interface {
	Insert(ctx context.Context, e *Event) error
}

// Reconciler folds webhook observations into order state.
type Reconciler interface {
	Apply(ctx context.Context, sig order.Signal) (order.Outcome, error)
}

// ProfileFetcher pulls the full activation profile from the provider when a
// status event announces one is available.
type ProfileFetcher interface {
	FetchOrderStatus(ctx context.Context, orderNo string) (provider.Profile, error)
}

// Service handles verified webhook deliveries: every event is audited first,
// then translated into a reconciler signal. Handling is idempotent because
// the reconciler absorbs duplicate and stale observations.
type Service struct {
	audit   AuditStore
	rec     Reconciler
	fetcher ProfileFetcher
	logger  *zap.Logger
}

func NewService(audit AuditStore, rec Reconciler, logger *zap.Logger) *Service {
	return &Service{audit: audit, rec: rec, logger: logger}
}

// WithProfileFetcher enables the follow-up profile query on resource-ready
// order status events.
func (s *Service) WithProfileFetcher(f ProfileFetcher) *Service {
	s.fetcher = f
	return s
}

// HandleEvent processes one verified delivery. The raw payload is stored
// unconditionally; unknown notify types are audited and dropped so provider
// additions never bounce deliveries into a retry loop.
func (s *Service) HandleEvent(ctx context.Context, p Payload, raw json.RawMessage) error {
	if p.Content.OrderNo == "" {
		return fmt.Errorf("webhook: payload missing order number")
	}

	event := &Event{
		OrderNo:   p.Content.OrderNo,
		EventType: p.NotifyType,
		Payload:   raw,
	}
	if p.Content.TransactionID != "" {
		tx := p.Content.TransactionID
		event.TransactionID = &tx
	}
	if err := s.audit.Insert(ctx, event); err != nil {
		return err
	}
	metrics.WebhookEventsAccepted.WithLabelValues(p.NotifyType).Inc()

	switch p.NotifyType {
	case NotifyOrderStatus:
		return s.handleOrderStatus(ctx, p)
	case NotifyEsimStatus:
		return s.applyProfile(ctx, p.Content.OrderNo, &provider.Profile{
			EsimStatus: p.Content.Status,
			SMDPStatus: p.Content.SMDPStatus,
		})
	case NotifyDataUsage:
		return s.applyProfile(ctx, p.Content.OrderNo, &provider.Profile{
			DataUsed:      p.Content.UsedVolume,
			DataRemaining: p.Content.RemainingVolume,
		})
	case NotifyValidityUsage:
		profile := &provider.Profile{DaysRemaining: p.Content.RemainingValidity}
		if p.Content.ExpiryDate != "" {
			if t, err := time.Parse(time.RFC3339, p.Content.ExpiryDate); err == nil {
				profile.ExpiryDate = &t
			} else {
				s.logger.Warn("unparseable expiry date in webhook",
					zap.String("order_no", p.Content.OrderNo),
					zap.String("expiry_date", p.Content.ExpiryDate))
			}
		}
		return s.applyProfile(ctx, p.Content.OrderNo, profile)
	default:
		s.logger.Warn("unhandled webhook notify type",
			zap.String("notify_type", p.NotifyType),
			zap.String("order_no", p.Content.OrderNo))
		return nil
	}
}

// handleOrderStatus translates an ORDER_STATUS event. When the status says an
// activation profile exists, the full profile is fetched so the QR code and
// ICCID land together with the transition; a fetch failure degrades to a
// status-only signal and the queue path backfills the fields later.
func (s *Service) handleOrderStatus(ctx context.Context, p Payload) error {
	sig := order.Signal{
		OrderNo: p.Content.OrderNo,
		Source:  order.SourceWebhook,
		Status:  p.Content.OrderStatus,
	}

	if s.fetcher != nil && announcesResource(p.Content.OrderStatus) {
		profile, err := s.fetcher.FetchOrderStatus(ctx, p.Content.OrderNo)
		if err != nil {
			s.logger.Warn("profile fetch after status event failed",
				zap.String("order_no", p.Content.OrderNo),
				zap.String("order_status", p.Content.OrderStatus),
				zap.Error(err))
		} else {
			sig.Profile = &profile
		}
	}

	_, err := s.rec.Apply(ctx, sig)
	return err
}

func (s *Service) applyProfile(ctx context.Context, orderNo string, profile *provider.Profile) error {
	_, err := s.rec.Apply(ctx, order.Signal{
		OrderNo: orderNo,
		Source:  order.SourceWebhook,
		Profile: profile,
	})
	return err
}

func announcesResource(status string) bool {
	return status == "GOT_RESOURCE" || status == "READY_FOR_DOWNLOAD"
}
