package queue

import "time"

// WorkType enumerates the kinds of fulfillment work an order can wait on.
type WorkType string

const (
	WorkTypeProvision     WorkType = "PROVISION"
	WorkTypeTopup         WorkType = "TOPUP"
	WorkTypeStatusRefresh WorkType = "STATUS_REFRESH"
)

// ValidWorkType reports whether w is a known work type.
func ValidWorkType(w WorkType) bool {
	switch w {
	case WorkTypeProvision, WorkTypeTopup, WorkTypeStatusRefresh:
		return true
	default:
		return false
	}
}

// ItemStatus is the queue item lifecycle. Resolved rows (COMPLETED/FAILED)
// are never deleted; a re-enqueue creates a fresh row.
type ItemStatus string

const (
	StatusPending    ItemStatus = "PENDING"
	StatusInProgress ItemStatus = "IN_PROGRESS"
	StatusCompleted  ItemStatus = "COMPLETED"
	StatusFailed     ItemStatus = "FAILED"
)

// Item is one unit of fulfillment work.
type Item struct {
	ID          int64
	OrderNo     string
	WorkType    WorkType
	Status      ItemStatus
	RetryCount  int
	MaxRetries  int
	LastError   *string
	NextAttempt time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
