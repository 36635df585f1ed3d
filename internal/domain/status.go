package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// ParseOrderStatus normalises raw input into a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := orderTransitions[status]; !ok {
		return "", false
	}
	return status, true
}

// Terminal reports whether no transition can leave the status.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// TransitionEffect is a bit set of side effects a status move requires.
type TransitionEffect uint8

const (
	// EffectReleaseStock returns every item quantity to the stock ledger.
	EffectReleaseStock TransitionEffect = 1 << iota
	// EffectRetireReservation makes the reservation permanent; no later release happens.
	EffectRetireReservation
	// EffectSettleCOD marks cash-on-delivery orders as paid.
	EffectSettleCOD
)

// Has reports whether flag is part of the set.
func (e TransitionEffect) Has(flag TransitionEffect) bool {
	return e&flag == flag
}

var (
	toCancelled = EffectReleaseStock
	toDelivered = EffectRetireReservation | EffectSettleCOD
)

// orderTransitions lists, per source status, the allowed targets and their effects.
// Delivered and cancelled have no outgoing edges.
var orderTransitions = map[OrderStatus]map[OrderStatus]TransitionEffect{
	OrderStatusPending: {
		OrderStatusConfirmed:  0,
		OrderStatusProcessing: 0,
		OrderStatusShipped:    0,
		OrderStatusDelivered:  toDelivered,
		OrderStatusCancelled:  toCancelled,
	},
	OrderStatusConfirmed: {
		OrderStatusPending:    0,
		OrderStatusProcessing: 0,
		OrderStatusShipped:    0,
		OrderStatusDelivered:  toDelivered,
		OrderStatusCancelled:  toCancelled,
	},
	OrderStatusProcessing: {
		OrderStatusPending:   0,
		OrderStatusConfirmed: 0,
		OrderStatusShipped:   0,
		OrderStatusDelivered: toDelivered,
		OrderStatusCancelled: toCancelled,
	},
	OrderStatusShipped: {
		OrderStatusConfirmed:  0,
		OrderStatusProcessing: 0,
		OrderStatusDelivered:  toDelivered,
		OrderStatusCancelled:  toCancelled,
	},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// Transition is an edge of the order state machine. Values can only be obtained
// from LookupTransition, so an order never moves along an edge missing from the table.
type Transition struct {
	from    OrderStatus
	to      OrderStatus
	effects TransitionEffect
}

// LookupTransition returns the edge from -> to when the table allows it.
func LookupTransition(from, to OrderStatus) (Transition, bool) {
	targets, ok := orderTransitions[from]
	if !ok {
		return Transition{}, false
	}
	effects, ok := targets[to]
	if !ok {
		return Transition{}, false
	}
	return Transition{from: from, to: to, effects: effects}, true
}

func (t Transition) From() OrderStatus         { return t.from }
func (t Transition) To() OrderStatus           { return t.to }
func (t Transition) Effects() TransitionEffect { return t.effects }

// AllowedTargets lists the statuses reachable from s.
func AllowedTargets(s OrderStatus) []OrderStatus {
	targets := orderTransitions[s]
	out := make([]OrderStatus, 0, len(targets))
	for _, candidate := range []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	} {
		if _, ok := targets[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// ApplyTransition moves the order along t and appends the history entry. It returns
// false without touching the order when the order is not at t's source status.
func (o *Order) ApplyTransition(t Transition, event, actor, note string, at time.Time) bool {
	if o == nil || o.Status != t.from {
		return false
	}
	o.Status = t.to
	if t.effects.Has(EffectSettleCOD) && o.PaymentMethod == PaymentMethodCOD {
		o.PaymentStatus = PaymentStatusPaid
	}
	o.AppendHistory(event, actor, note, at)
	return true
}

// AppendHistory records an event at the current status.
func (o *Order) AppendHistory(event, actor, note string, at time.Time) {
	o.StatusHistory = append(o.StatusHistory, StatusHistoryEntry{
		Status: o.Status,
		Event:  event,
		Actor:  actor,
		Note:   note,
		At:     at,
	})
}

// DefaultModificationWindow is how long after creation an order may still be edited.
const DefaultModificationWindow = 24 * time.Hour

var unmodifiableStatuses = map[OrderStatus]struct{}{
	OrderStatusShipped:   {},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// IsModifiable evaluates the edit policy at now. It must be called on every
// mutating request rather than cached.
func IsModifiable(status OrderStatus, createdAt, now time.Time, window time.Duration) bool {
	if _, blocked := unmodifiableStatuses[status]; blocked {
		return false
	}
	if window <= 0 {
		window = DefaultModificationWindow
	}
	return now.Sub(createdAt) <= window
}

// Modifiable is IsModifiable applied to the order.
func (o Order) Modifiable(now time.Time, window time.Duration) bool {
	return IsModifiable(o.Status, o.CreatedAt, now, window)
}

// PaymentStatus is the order-level payment state.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentStatusPending: {PaymentStatusPaid: {}, PaymentStatusFailed: {}, PaymentStatusPending: {}},
	PaymentStatusFailed:  {PaymentStatusPaid: {}, PaymentStatusFailed: {}, PaymentStatusPending: {}},
	PaymentStatusPaid:    {},
}

// CanMovePayment reports whether settlement may move from -> to. Paid is final.
func CanMovePayment(from, to PaymentStatus) bool {
	_, ok := paymentTransitions[from][to]
	return ok
}
