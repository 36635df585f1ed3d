package handlers

import (
	"strings"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

type orderResponse struct {
	Order    orderPayload `json:"order"`
	Replayed bool         `json:"replayed,omitempty"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	UserID          string                `json:"user_id"`
	Status          string                `json:"status"`
	PaymentMethod   string                `json:"payment_method"`
	PaymentStatus   string                `json:"payment_status"`
	PaymentIntentID string                `json:"payment_intent_id,omitempty"`
	Currency        string                `json:"currency"`
	TotalAmount     int64                 `json:"total_amount"`
	Items           []orderItemPayload    `json:"items"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Notes           string                `json:"notes,omitempty"`
	Locale          string                `json:"locale,omitempty"`
	StatusHistory   []historyEntryPayload `json:"status_history"`
	Receipt         receiptPayload        `json:"receipt"`
	Modifiable      bool                  `json:"modifiable"`
	AllowedTargets  []string              `json:"allowed_transitions,omitempty"`
	Version         int                   `json:"version"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Unit         string `json:"unit,omitempty"`
	UnitPrice    int64  `json:"unit_price"`
	Quantity     int    `json:"quantity"`
	LineSubtotal int64  `json:"line_subtotal"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country,omitempty"`
}

type historyEntryPayload struct {
	Status string `json:"status"`
	Event  string `json:"event"`
	Actor  string `json:"actor,omitempty"`
	Note   string `json:"note,omitempty"`
	At     string `json:"at"`
}

type receiptPayload struct {
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
}

type orderView struct {
	modifiable bool
	admin      bool
}

func buildOrderPayload(order domain.Order, view orderView) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:    item.ProductID,
			Name:         item.Name,
			Unit:         item.Unit,
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
			LineSubtotal: item.LineSubtotal,
		})
	}
	history := make([]historyEntryPayload, 0, len(order.StatusHistory))
	for _, entry := range order.StatusHistory {
		history = append(history, historyEntryPayload{
			Status: string(entry.Status),
			Event:  entry.Event,
			Actor:  entry.Actor,
			Note:   entry.Note,
			At:     formatTime(entry.At),
		})
	}

	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.IntentID(),
		Currency:        strings.ToUpper(order.Currency),
		TotalAmount:     order.TotalAmount,
		Items:           items,
		ShippingAddress: addressToPayload(order.ShippingAddress),
		Notes:           order.Notes,
		Locale:          order.Locale,
		StatusHistory:   history,
		Receipt: receiptPayload{
			Status:   string(order.Receipt.Status),
			Attempts: order.Receipt.Attempts,
		},
		Modifiable: view.modifiable,
		Version:    order.Version,
		CreatedAt:  formatTime(order.CreatedAt),
		UpdatedAt:  formatTime(order.UpdatedAt),
	}
	if order.Receipt.LastAttemptAt != nil {
		payload.Receipt.LastAttemptAt = formatTime(*order.Receipt.LastAttemptAt)
	}
	if view.admin {
		for _, target := range domain.AllowedTargets(order.Status) {
			payload.AllowedTargets = append(payload.AllowedTargets, string(target))
		}
	}
	return payload
}

func addressToPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Phone:      addr.Phone,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  p.Recipient,
		Phone:      p.Phone,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
	}
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func linesToDomain(lines []orderLinePayload) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.OrderLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out
}

type settlementPayload struct {
	Order         orderPayload `json:"order"`
	LedgerStatus  string       `json:"ledger_status,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Amount        int64        `json:"amount,omitempty"`
	Noop          bool         `json:"noop,omitempty"`
}

func buildSettlementPayload(result services.SettlementResult, view orderView) settlementPayload {
	return settlementPayload{
		Order:         buildOrderPayload(result.Order, view),
		LedgerStatus:  string(result.Ledger.Status),
		TransactionID: result.Ledger.TransactionID,
		Amount:        result.Ledger.Amount,
		Noop:          result.Noop,
	}
}
