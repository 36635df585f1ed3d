package domain

import "strings"

// IntentStatus is the gateway-side state of a payment intent as observed by the core.
type IntentStatus string

const (
	IntentStatusCreated    IntentStatus = "created"
	IntentStatusProcessing IntentStatus = "processing"
	IntentStatusSucceeded  IntentStatus = "succeeded"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusCanceled   IntentStatus = "canceled"
	IntentStatusRefunded   IntentStatus = "refunded"
)

// Terminal reports whether the observation can be settled.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentStatusSucceeded, IntentStatusFailed, IntentStatusCanceled, IntentStatusRefunded:
		return true
	default:
		return false
	}
}

// SettlementRule describes how one observed intent outcome maps onto order and ledger state.
type SettlementRule struct {
	Observed      IntentStatus
	PaymentStatus PaymentStatus
	LedgerStatus  LedgerStatus
	HistoryEvent  string
	// UpdatesOrder is false for observations that only touch the ledger.
	UpdatesOrder bool
	// ConfirmsOrder moves a pending order to confirmed.
	ConfirmsOrder bool
}

var settlementRules = map[IntentStatus]SettlementRule{
	IntentStatusSucceeded: {
		Observed:      IntentStatusSucceeded,
		PaymentStatus: PaymentStatusPaid,
		LedgerStatus:  LedgerStatusSuccess,
		HistoryEvent:  HistoryEventPaymentSucceeded,
		UpdatesOrder:  true,
		ConfirmsOrder: true,
	},
	IntentStatusFailed: {
		Observed:      IntentStatusFailed,
		PaymentStatus: PaymentStatusFailed,
		LedgerStatus:  LedgerStatusFailed,
		HistoryEvent:  HistoryEventPaymentFailed,
		UpdatesOrder:  true,
	},
	IntentStatusCanceled: {
		Observed:      IntentStatusCanceled,
		PaymentStatus: PaymentStatusPending,
		LedgerStatus:  LedgerStatusCancelled,
		HistoryEvent:  HistoryEventPaymentCancelled,
		UpdatesOrder:  true,
	},
	IntentStatusRefunded: {
		Observed:     IntentStatusRefunded,
		LedgerStatus: LedgerStatusRefunded,
	},
}

// LookupSettlementRule returns the rule for a terminal observation.
func LookupSettlementRule(observed IntentStatus) (SettlementRule, bool) {
	rule, ok := settlementRules[IntentStatus(strings.ToLower(string(observed)))]
	return rule, ok
}

// LedgerAccepts reports whether a ledger row at current may move to next. Success only
// gives way to a refund and a refund is final.
func LedgerAccepts(current, next LedgerStatus) bool {
	switch {
	case current == next:
		return false
	case current == LedgerStatusRefunded:
		return false
	case current == LedgerStatusSuccess:
		return next == LedgerStatusRefunded
	default:
		return true
	}
}
