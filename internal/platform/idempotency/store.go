package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a key can be replayed.
const DefaultTTL = 24 * time.Hour

// State is the persisted lifecycle of a key.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Outcome tells the middleware what to do after Begin.
type Outcome int

const (
	// OutcomeFresh means the caller owns the key and must run the handler.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a stored response exists for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// Entry is the stored form of a key and, once completed, the response it produced.
type Entry struct {
	Key         string              `json:"key"`
	Fingerprint string              `json:"fingerprint"`
	State       State               `json:"state"`
	Status      int                 `json:"status,omitempty"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Snapshot is the response captured from a handler.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists key reservations and completed responses.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already bound to a different request")

func pendingEntry(key, fingerprint string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// resolve maps an existing unexpired entry to an Outcome.
func resolve(existing Entry, fingerprint string) (Outcome, Entry, error) {
	if existing.Fingerprint != fingerprint {
		return 0, Entry{}, ErrFingerprintMismatch
	}
	if existing.State == StateCompleted {
		return OutcomeReplay, existing, nil
	}
	return OutcomeInFlight, existing, nil
}

func complete(entry Entry, snap Snapshot, now time.Time, ttl time.Duration) Entry {
	entry.State = StateCompleted
	entry.Status = snap.Status
	entry.Header = storableHeader(snap.Header)
	entry.Body = nil
	if len(snap.Body) > 0 {
		entry.Body = append([]byte(nil), snap.Body...)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	return entry
}

func documentID(key string) string {
	return digest([]byte(strings.TrimSpace(key)))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var hopByHop = map[string]struct{}{
	"Content-Length":      {},
	"Date":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
