package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"esimflow/order"
	"esimflow/queue"
	"esimflow/webhook"
)

// WebhookSender delivers a stream of plausible provider events for random
// orders: status progressions, usage updates and the occasional cancellation.
// Duplicate and out-of-order deliveries are intentional.
func WebhookSender(ctx context.Context, svc *webhook.Service, orderNos []string, stop <-chan struct{}) error {
	statuses := []string{"GOT_RESOURCE", "READY_FOR_DOWNLOAD", "GOT_RESOURCE", "IN_USE", "CANCEL"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		orderNo := orderNos[rand.Intn(len(orderNos))]
		var payload webhook.Payload
		switch rand.Intn(3) {
		case 0:
			payload = webhook.Payload{
				NotifyType: webhook.NotifyOrderStatus,
				Content: webhook.Content{
					OrderNo:     orderNo,
					OrderStatus: statuses[rand.Intn(len(statuses))],
				},
			}
		case 1:
			used := int64(rand.Intn(1 << 28))
			remaining := int64(rand.Intn(1 << 28))
			payload = webhook.Payload{
				NotifyType: webhook.NotifyDataUsage,
				Content: webhook.Content{
					OrderNo:         orderNo,
					UsedVolume:      &used,
					RemainingVolume: &remaining,
				},
			}
		default:
			payload = webhook.Payload{
				NotifyType: webhook.NotifyEsimStatus,
				Content: webhook.Content{
					OrderNo:    orderNo,
					Status:     "ENABLED",
					SMDPStatus: "RELEASED",
				},
			}
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		if err := svc.HandleEvent(ctx, payload, raw); err != nil {
			// Losing a CAS race past the retry budget is expected under
			// heavy contention; anything else is a real failure.
			if !errors.Is(err, order.ErrConflict) && ctx.Err() == nil {
				return fmt.Errorf("webhook delivery: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// BatchRunner drives overlapping processor batches the way overlapping cron
// invocations would.
func BatchRunner(ctx context.Context, p *queue.Processor, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("process batch: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// Enqueuer re-submits fulfillment work for random orders. Unresolved items
// must coalesce, so the pending set stays bounded no matter how often this
// actor fires.
func Enqueuer(ctx context.Context, p *queue.Processor, orderNos []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		orderNo := orderNos[rand.Intn(len(orderNos))]
		if _, err := p.Enqueue(ctx, orderNo, queue.WorkTypeProvision); err != nil && ctx.Err() == nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
