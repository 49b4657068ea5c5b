package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subscriber is one merchant-owned push contact. Built-in targeting fields
// live as real columns; merchant-defined attributes sit in the Attributes
// JSONB blob and are typed through the custom_attributes registry.
type Subscriber struct {
	ID              uuid.UUID       `json:"id"`
	MerchantID      uuid.UUID       `json:"merchant_id"`
	Email           string          `json:"email"`
	Status          string          `json:"status"`
	Channel         string          `json:"channel"`
	PushEnabled     bool            `json:"push_enabled"`
	PushToken       string          `json:"push_token,omitempty"`
	Tags            []string        `json:"tags"`
	DeviceType      string          `json:"device_type"`
	Source          string          `json:"source"`
	LocationCountry string          `json:"location_country"`
	TotalSpend      float64         `json:"total_spend"`
	OrderCount      int             `json:"order_count"`
	LastActiveAt    *time.Time      `json:"last_active_at,omitempty"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Subscriber status constants
const (
	SubscriberActive       = "active"
	SubscriberUnsubscribed = "unsubscribed"
	SubscriberBounced      = "bounced"
)

// Channel constants
const (
	ChannelWebPush = "webpush"
	ChannelMobile  = "mobile"
	ChannelEmail   = "email"
)

// CustomAttribute is one row of the merchant-scoped attribute type
// registry consulted by the query compiler.
type CustomAttribute struct {
	MerchantID uuid.UUID `json:"merchant_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Segment type constants
const (
	SegmentDynamic  = "dynamic"
	SegmentStatic   = "static"
	SegmentBehavior = "behavior"
)

// Segment is a named audience definition. Dynamic segments carry a
// condition tree in Conditions; static segments materialize members in
// segment_members; behavior segments name a canned behavior kind.
type Segment struct {
	ID                   uuid.UUID       `json:"id"`
	MerchantID           uuid.UUID       `json:"merchant_id"`
	Name                 string          `json:"name"`
	Type                 string          `json:"type"`
	Conditions           json.RawMessage `json:"conditions,omitempty"`
	BehaviorKind         string          `json:"behavior_kind,omitempty"`
	SubscriberCountCache int             `json:"subscriber_count_cache"`
	IsActive             bool            `json:"is_active"`
	DeletedAt            *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Campaign status constants. Transitions are a strict state machine driven
// by the dispatch engine plus explicit merchant pause/cancel.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignPaused    = "paused"
	CampaignCancelled = "cancelled"
	CampaignFailed    = "failed"
)

// Campaign is one push campaign with its message payload, target segments
// and rollup metrics. Rollups are recomputed from campaign_analytics rows,
// never incremented in place.
type Campaign struct {
	ID          uuid.UUID   `json:"id"`
	MerchantID  uuid.UUID   `json:"merchant_id"`
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	SegmentIDs  []uuid.UUID `json:"segment_ids"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	ImageURL    string      `json:"image_url,omitempty"`
	ActionURL   string      `json:"action_url,omitempty"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	SentCount   int         `json:"sent_count"`
	FailedCount int         `json:"failed_count"`
	Impressions int64       `json:"impressions"`
	Clicks      int64       `json:"clicks"`
	Conversions int64       `json:"conversions"`
	Revenue     float64     `json:"revenue"`
	CTR         float64     `json:"ctr"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Delivery outcome constants
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// DeliveryRecord is the per-recipient result of one dispatch attempt,
// keyed (campaign_id, subscriber_id) so a retried batch collapses to the
// latest outcome instead of duplicating counts.
type DeliveryRecord struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
}

// CampaignAnalytics is one daily counter row per (campaign, date).
// Counters are incremented by upsert; rows accumulate for the campaign's
// lifetime and are only removed by campaign deletion cascade.
type CampaignAnalytics struct {
	CampaignID  uuid.UUID       `json:"campaign_id"`
	Date        time.Time       `json:"date"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     float64         `json:"revenue"`
	Targeted    int64           `json:"targeted"`
	Reached     int64           `json:"reached"`
	Breakdown   json.RawMessage `json:"breakdown,omitempty"`
}
