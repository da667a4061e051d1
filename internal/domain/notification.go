package domain

import (
	"regexp"
	"strconv"
	"time"
)

// Notification topics the webhook accepts
const (
	TopicOrdersV2  = "orders_v2"
	TopicOrders    = "orders"
	TopicShipments = "shipments"
)

var (
	orderResourceRe    = regexp.MustCompile(`/orders/(\d+)`)
	shipmentResourceRe = regexp.MustCompile(`/shipments/(\d+)`)
)

// Notification is a marketplace webhook push
type Notification struct {
	ID            string     `json:"_id,omitempty"`
	Topic         string     `json:"topic"`
	Resource      string     `json:"resource"`
	UserID        int64      `json:"user_id,omitempty"`
	ApplicationID int64      `json:"application_id,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	Sent          *time.Time `json:"sent,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
}

// ResourceKind is what a notification points at
type ResourceKind string

const (
	ResourceOrder    ResourceKind = "order"
	ResourceShipment ResourceKind = "shipment"
)

// ResourceRef is the parsed target of a notification
type ResourceRef struct {
	Kind ResourceKind
	ID   int64
}

// Parse extracts the order or shipment id the notification refers to
func (n *Notification) Parse() (ResourceRef, error) {
	var (
		re   *regexp.Regexp
		kind ResourceKind
	)
	switch n.Topic {
	case TopicOrdersV2, TopicOrders:
		re, kind = orderResourceRe, ResourceOrder
	case TopicShipments:
		re, kind = shipmentResourceRe, ResourceShipment
	case "":
		return ResourceRef{}, &ValidationError{Field: "topic", Reason: "missing topic"}
	default:
		return ResourceRef{}, &ValidationError{Field: "topic", Reason: "unsupported topic " + strconv.Quote(n.Topic)}
	}

	m := re.FindStringSubmatch(n.Resource)
	if m == nil {
		return ResourceRef{}, &ValidationError{Field: "resource", Reason: "unrecognized resource " + strconv.Quote(n.Resource)}
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return ResourceRef{}, &ValidationError{Field: "resource", Reason: "invalid id in " + strconv.Quote(n.Resource)}
	}
	return ResourceRef{Kind: kind, ID: id}, nil
}

// DedupKey identifies a notification for duplicate suppression
func (n *Notification) DedupKey() string {
	if n.ID != "" {
		return n.ID
	}
	return n.Topic + ":" + n.Resource + ":" + strconv.Itoa(n.Attempts)
}

// OutcomeKind classifies how a notification was handled
type OutcomeKind string

const (
	OutcomeProcessed OutcomeKind = "processed"
	OutcomeIgnored   OutcomeKind = "ignored"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeAccepted  OutcomeKind = "accepted"
)

// WebhookOutcome is the named result of handling a notification. Every kind is acknowledged
// to the marketplace with HTTP 200.
type WebhookOutcome struct {
	Kind       OutcomeKind
	ShipmentID int64
	Items      int
	Reason     string
	Err        error
}

func Processed(shipmentID int64, items int) WebhookOutcome {
	return WebhookOutcome{Kind: OutcomeProcessed, ShipmentID: shipmentID, Items: items}
}

func Ignored(reason string) WebhookOutcome {
	return WebhookOutcome{Kind: OutcomeIgnored, Reason: reason}
}

func Failed(err error) WebhookOutcome {
	return WebhookOutcome{Kind: OutcomeFailed, Err: err}
}

func Accepted() WebhookOutcome {
	return WebhookOutcome{Kind: OutcomeAccepted}
}
