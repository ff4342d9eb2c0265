package order

import "time"

// Status is the internal order state machine. It only moves forward:
// PROCESSING -> GOT_RESOURCE -> COMPLETED, or PROCESSING/GOT_RESOURCE -> FAILED.
type Status string

const (
	StatusProcessing  Status = "PROCESSING"
	StatusGotResource Status = "GOT_RESOURCE"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func rank(s Status) int {
	switch s {
	case StatusProcessing:
		return 0
	case StatusGotResource:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ValidTransition reports whether from -> to is a legal forward move.
func ValidTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	return rank(to) > rank(from)
}

// Order is the business record a customer or admin observes. Status-bearing
// fields are owned exclusively by the reconciler.
type Order struct {
	OrderNo       string
	UserID        *string
	Status        Status
	EsimStatus    *string
	SMDPStatus    *string
	QRCode        *string
	ICCID         *string
	DataUsed      int64
	DataRemaining int64
	DaysRemaining int
	ExpiryDate    *time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Updates is a partial write: nil fields leave the stored value untouched,
// so an absent field can never null out a populated one.
type Updates struct {
	QRCode        *string
	ICCID         *string
	EsimStatus    *string
	SMDPStatus    *string
	DataUsed      *int64
	DataRemaining *int64
	DaysRemaining *int
	ExpiryDate    *time.Time
	LastError     *string
}

func (u Updates) empty() bool {
	return u.QRCode == nil && u.ICCID == nil && u.EsimStatus == nil &&
		u.SMDPStatus == nil && u.DataUsed == nil && u.DataRemaining == nil &&
		u.DaysRemaining == nil && u.ExpiryDate == nil && u.LastError == nil
}

// Event is one applied status transition, retained as an audit trail.
type Event struct {
	ID         int64
	OrderNo    string
	FromStatus Status
	ToStatus   Status
	Source     string
	Detail     *string
	CreatedAt  time.Time
}
