package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// PaymentStore is the in-memory payment ledger keyed by transaction id.
type PaymentStore struct {
	mu      sync.Mutex
	records map[string]domain.PaymentRecord
}

// NewPaymentStore constructs an empty ledger.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{records: make(map[string]domain.PaymentRecord)}
}

// Len returns the number of ledger rows.
func (s *PaymentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *PaymentStore) FindByTransactionID(_ context.Context, transactionID string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[strings.TrimSpace(transactionID)]
	if !ok {
		return domain.PaymentRecord{}, repositories.NotFound("memory.payments.find", "payment not found")
	}
	return cloneRecord(record), nil
}

func (s *PaymentStore) Upsert(_ context.Context, record domain.PaymentRecord) (domain.PaymentRecord, bool, error) {
	const op = "memory.payments.upsert"
	key := strings.TrimSpace(record.TransactionID)
	if key == "" {
		return domain.PaymentRecord{}, false, repositories.Conflict(op, "transaction id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[key]
	if !ok {
		s.records[key] = cloneRecord(record)
		return cloneRecord(record), true, nil
	}

	if !domain.LedgerAccepts(existing.Status, record.Status) {
		return cloneRecord(existing), false, repositories.Conflict(op, fmt.Sprintf("ledger status %s does not accept %s", existing.Status, record.Status))
	}
	merged := mergeLedgerRecord(existing, record)
	s.records[key] = merged
	return cloneRecord(merged), false, nil
}

func (s *PaymentStore) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentRecord
	for _, record := range s.records {
		if record.OrderID == orderID {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// mergeLedgerRecord applies an observation onto an existing row. Identity and
// creation fields stay with the first write.
func mergeLedgerRecord(existing, update domain.PaymentRecord) domain.PaymentRecord {
	merged := existing
	merged.Status = update.Status
	merged.FailureReason = update.FailureReason
	if update.GatewayResponse != nil {
		merged.GatewayResponse = update.GatewayResponse
	}
	if update.PaymentDate != nil {
		merged.PaymentDate = update.PaymentDate
	}
	if update.Amount != 0 {
		merged.Amount = update.Amount
	}
	merged.UpdatedAt = update.UpdatedAt
	return merged
}

func cloneRecord(record domain.PaymentRecord) domain.PaymentRecord {
	out := record
	if record.GatewayResponse != nil {
		out.GatewayResponse = make(map[string]any, len(record.GatewayResponse))
		for k, v := range record.GatewayResponse {
			out.GatewayResponse[k] = v
		}
	}
	if record.PaymentDate != nil {
		at := *record.PaymentDate
		out.PaymentDate = &at
	}
	return out
}
