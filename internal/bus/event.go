package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core pipeline. Subscribers filter by
// namespace prefix, e.g. "delivery." or "sync.".
const (
	KindDeliveryStarted   = "delivery.started"
	KindDeliveryProgress  = "delivery.progress"
	KindDeliveryQueued    = "delivery.queued"
	KindDeliverySuspended = "delivery.suspended"
	KindDeliveryCancelled = "delivery.cancelled"
	KindDeliveryFinished  = "delivery.finished"
	KindDeliveryError     = "delivery.error"

	KindSyncStarted   = "sync.started"
	KindSyncProgress  = "sync.progress"
	KindSyncFinished  = "sync.finished"
	KindSyncCancelled = "sync.cancelled"
	KindSyncError     = "sync.error"

	KindMessageUpserted = "message.upserted"
	KindStatusChanged   = "session.status_changed"
	KindSMSReport       = "sms.report"
)

// DeliveryEvent is the payload for delivery.* events.
type DeliveryEvent struct {
	MessageID int64
	Channel   string
	TaskUID   string
	Stage     string
	Attempt   int
	Handle    string
	Err       string
}

// SyncEvent is the payload for sync progress and terminal events.
// MessageIDs and ChatIDs are the locally affected entities of the cycle.
type SyncEvent struct {
	MessageIDs []int64
	ChatIDs    []int64
	Err        string
}

// SMSReport is the payload for sms.report events delivered by the
// gateway callback endpoint.
type SMSReport struct {
	TaskUID string
	Status  string // "sent" or "failed"
	Detail  string
}
