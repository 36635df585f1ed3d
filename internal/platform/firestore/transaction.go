package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/observability"
)

const (
	txMaxAttempts = 5
	txTimeout     = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. Firestore reruns it on contention, so it
// must read and write only through tx and keep no state across attempts.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction runs fn with a bounded number of attempts. Callers without a deadline
// get txTimeout.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc) error {
	if client == nil || fn == nil {
		return WrapError("transaction", errors.New("firestore: client and transaction function are required"))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}

	ctx, end := observability.StartSpan(ctx, "firestore.transaction")
	attempts := 0
	err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		attempts++
		return fn(ctx, tx)
	}, firestore.MaxAttempts(txMaxAttempts))
	err = WrapError("transaction", err)

	if attempts > 1 {
		observability.FromContext(ctx).Debug("firestore transaction retried",
			zap.Int("attempts", attempts),
			zap.Bool("committed", err == nil),
		)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("firestore.tx_attempts", attempts))
	end(err)
	return err
}
