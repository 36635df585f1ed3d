package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore keeps keys in a Firestore collection, one document per key. Begin and
// Finish run in transactions so two instances racing on a key see one winner.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{provider: provider, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref, err := s.doc(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var existing idempotencyDocument
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if current := existing.entry(); !current.expired(now) {
				outcome, entry, err = resolve(current, fingerprint)
				return err
			}
		}
		entry = pendingEntry(key, fingerprint, now, ttl)
		outcome = OutcomeFresh
		return tx.Set(ref, newIdempotencyDocument(entry))
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}

	return s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		entry := Entry{Key: key, Fingerprint: fingerprint}
		current, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var existing idempotencyDocument
			if err := current.DataTo(&existing); err != nil {
				return err
			}
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			entry = existing.entry()
		}
		return tx.Set(ref, newIdempotencyDocument(complete(entry, snap, now, ttl)))
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return pfirestore.WrapError("idempotency.abandon", err)
}

// Sweep deletes up to limit expired keys in one batch.
func (s *FirestoreStore) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.sweep", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("idempotency.sweep", err)
	}
	return len(docs), nil
}

type idempotencyDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func newIdempotencyDocument(e Entry) idempotencyDocument {
	return idempotencyDocument{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		State:       string(e.State),
		Status:      e.Status,
		Header:      e.Header,
		Body:        e.Body,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (d idempotencyDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}
