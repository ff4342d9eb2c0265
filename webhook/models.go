package webhook

import (
	"encoding/json"
	"time"
)

// Notify types delivered by the provisioning provider.
const (
	NotifyOrderStatus   = "ORDER_STATUS"
	NotifyEsimStatus    = "ESIM_STATUS"
	NotifyDataUsage     = "DATA_USAGE"
	NotifyValidityUsage = "VALIDITY_USAGE"
)

// KnownNotifyType reports whether t is a notify type this service handles.
func KnownNotifyType(t string) bool {
	switch t {
	case NotifyOrderStatus, NotifyEsimStatus, NotifyDataUsage, NotifyValidityUsage:
		return true
	default:
		return false
	}
}

// Payload is the provider's webhook envelope. Field names follow the wire
// format; which content fields are populated depends on the notify type.
type Payload struct {
	NotifyType string  `json:"notifyType"`
	Content    Content `json:"content"`
}

type Content struct {
	OrderNo       string `json:"orderNo"`
	TransactionID string `json:"transactionId,omitempty"`

	// ORDER_STATUS
	OrderStatus string `json:"orderStatus,omitempty"`

	// ESIM_STATUS
	Status     string `json:"status,omitempty"`
	SMDPStatus string `json:"smdpStatus,omitempty"`

	// DATA_USAGE, volumes in bytes. Pointers keep a delivered 0 (plan used
	// up) distinct from an absent field.
	UsedVolume      *int64 `json:"usedVolume,omitempty"`
	RemainingVolume *int64 `json:"remainingVolume,omitempty"`
	TotalVolume     *int64 `json:"totalVolume,omitempty"`

	// VALIDITY_USAGE
	ExpiryDate        string `json:"expiryDate,omitempty"`
	TotalValidity     *int   `json:"totalValidity,omitempty"`
	UsedValidity      *int   `json:"usedValidity,omitempty"`
	RemainingValidity *int   `json:"remainingValidity,omitempty"`
}

// Event is one stored webhook delivery. Raw payloads are retained verbatim
// for replay and dispute resolution.
type Event struct {
	ID            int64
	OrderNo       string
	TransactionID *string
	EventType     string
	Payload       json.RawMessage
	ReceivedAt    time.Time
}
