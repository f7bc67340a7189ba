package campaign

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

type SubscriberStatus string

const (
	SubscriberSubscribed   SubscriberStatus = "subscribed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

type EventType string

const (
	EventSent        EventType = "sent"
	EventError       EventType = "error"
	EventOpen        EventType = "open"
	EventClick       EventType = "click"
	EventBounce      EventType = "bounce"
	EventUnsubscribe EventType = "unsubscribe"
)

// Recordable reports whether the event type may be recorded by API clients.
// sent and error belong to the sender worker.
func (t EventType) Recordable() bool {
	switch t {
	case EventOpen, EventClick, EventBounce, EventUnsubscribe:
		return true
	}
	return false
}

type AuditAction string

const (
	AuditCreate     AuditAction = "create"
	AuditUpdate     AuditAction = "update"
	AuditSchedule   AuditAction = "schedule"
	AuditCancel     AuditAction = "cancel"
	AuditMarkAsSent AuditAction = "markAsSent"
	AuditDelete     AuditAction = "delete"
)

type Campaign struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	TemplateID  *int64     `json:"template_id,omitempty"`
	OwnerID     int64      `json:"owner_id"`
	Status      Status     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Editable reports whether content and schedule fields may still change.
func (c Campaign) Editable() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

type Subscriber struct {
	ID      int64            `json:"id"`
	Email   string           `json:"email"`
	Name    string           `json:"name,omitempty"`
	Status  SubscriberStatus `json:"status"`
	OwnerID int64            `json:"owner_id"`
}

type Delivery struct {
	CampaignID   int64      `json:"campaign_id"`
	SubscriberID int64      `json:"subscriber_id"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

type EmailEvent struct {
	ID           int64           `json:"id"`
	CampaignID   int64           `json:"campaign_id"`
	SubscriberID int64           `json:"subscriber_id"`
	Type         EventType       `json:"event_type"`
	Data         json.RawMessage `json:"event_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Audit struct {
	ID         int64           `json:"id"`
	CampaignID int64           `json:"campaign_id"`
	ActorID    int64           `json:"actor_id"`
	Action     AuditAction     `json:"action"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DeliveryStats struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

type CreateCampaignReq struct {
	Name        string     `json:"name"         binding:"required"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"         binding:"required"`
	TemplateID  *int64     `json:"template_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type UpdateCampaignReq struct {
	Name        *string    `json:"name"`
	Subject     *string    `json:"subject"`
	Body        *string    `json:"body"`
	TemplateID  *int64     `json:"template_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type ScheduleReq struct {
	ScheduledAt   *time.Time `json:"scheduled_at"`
	SubscriberIDs []int64    `json:"subscriber_ids"`
}

type RecordEventReq struct {
	SubscriberID int64           `json:"subscriber_id" binding:"required"`
	EventType    EventType       `json:"event_type"    binding:"required"`
	EventData    json.RawMessage `json:"event_data"`
}

type CreateCampaignResp struct {
	ID int64 `json:"id"`
}

type DispatchResp struct {
	Campaign Campaign `json:"campaign"`
	JobCount int      `json:"job_count"`
}

type CampaignDetails struct {
	Campaign
	Stats DeliveryStats `json:"stats"`
}

type CampaignPage struct {
	Campaigns  []CampaignDetails `json:"campaigns"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	TotalItems int64             `json:"total_items"`
	TotalPages int               `json:"total_pages"`
}

// DueCursor is the position after the last due campaign a sweep has seen.
type DueCursor struct {
	ScheduledAt time.Time
	ID          int64
}

type EventPage struct {
	Events []EmailEvent `json:"events"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}
