package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier is the boundary to customer notification. Actual delivery (email)
// lives outside this service; implementations must be safe to call from
// concurrent batch workers and must never fail the fulfillment path.
type Notifier interface {
	FulfillmentFailed(ctx context.Context, orderNo, reason string)
}

// LogNotifier records failure notifications in the service log. It is the
// default wiring when no delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) FulfillmentFailed(ctx context.Context, orderNo, reason string) {
	n.logger.Warn("fulfillment failed, customer notification due",
		zap.String("order_no", orderNo),
		zap.String("reason", reason))
}
