package realtime

import (
	"time"

	"dispatch/pkg/domain"
)

// EventKind names what happened to an order.
type EventKind string

const (
	EventOrderCreated       EventKind = "order_created"
	EventOrderStatusChanged EventKind = "order_status_changed"
)

// AdminChannel receives every order event.
const AdminChannel = "admin:*"

// RestaurantChannel is the channel scoped to one restaurant's own orders.
func RestaurantChannel(id domain.PrincipalID) string {
	return "restaurant:" + id.String()
}

// DriverChannel is the channel scoped to one driver's assignments.
func DriverChannel(id domain.PrincipalID) string {
	return "driver:" + id.String()
}

// ChannelFor maps a principal to the one channel its role may subscribe to.
// Channel scope mirrors authorization: a subscriber only ever sees events it
// could also read through the policy evaluator.
func ChannelFor(p domain.Principal) string {
	switch p.Role {
	case domain.RoleAdmin:
		return AdminChannel
	case domain.RoleDriver:
		return DriverChannel(p.ID)
	default:
		return RestaurantChannel(p.ID)
	}
}

// Event is one committed order change handed to the propagation layer.
type Event struct {
	MessageID    string
	Kind         EventKind
	OrderID      domain.OrderID
	Status       domain.OrderStatus
	RestaurantID domain.PrincipalID
	DriverID     *domain.PrincipalID
	Timestamp    time.Time
}

// Channels resolves the fan-out set: the owning restaurant, the assigned
// driver when present, and the admin firehose.
func (e Event) Channels() []string {
	channels := []string{RestaurantChannel(e.RestaurantID)}
	if e.DriverID != nil {
		channels = append(channels, DriverChannel(*e.DriverID))
	}
	return append(channels, AdminChannel)
}

// Frame is the wire format pushed to subscribers.
type Frame struct {
	MessageID string    `json:"message_id"`
	EventKind string    `json:"event_kind"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame renders the event for the wire.
func (e Event) Frame() Frame {
	return Frame{
		MessageID: e.MessageID,
		EventKind: string(e.Kind),
		OrderID:   e.OrderID.String(),
		Status:    e.Status.String(),
		Timestamp: e.Timestamp,
	}
}
