package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// objectWriter opens a writer for a new object. The object must not already exist.
type objectWriter func(ctx context.Context, bucket, object string) io.WriteCloser

// WebhookArchive stores raw, signature-verified gateway payloads in Cloud Storage.
type WebhookArchive struct {
	bucket string
	open   objectWriter
}

// NewWebhookArchive constructs an archive writing to bucket.
func NewWebhookArchive(client *gcs.Client, bucket string) (*WebhookArchive, error) {
	if client == nil {
		return nil, errors.New("storage webhook archive: client is required")
	}
	return newWebhookArchive(bucket, func(ctx context.Context, bucket, object string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = "application/json"
		return w
	})
}

func newWebhookArchive(bucket string, open objectWriter) (*WebhookArchive, error) {
	bucket = strings.TrimSpace(strings.TrimPrefix(bucket, "gs://"))
	if bucket == "" {
		return nil, errors.New("storage webhook archive: bucket is required")
	}
	return &WebhookArchive{bucket: bucket, open: open}, nil
}

// Archive writes payload once per event id. A redelivered event finds its object already
// present and is treated as archived.
func (a *WebhookArchive) Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error {
	if a == nil || a.open == nil {
		return errors.New("storage webhook archive: not initialised")
	}
	object, err := WebhookObjectPath(eventID, receivedAt)
	if err != nil {
		return err
	}

	w := a.open(ctx, a.bucket, object)
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write gs://%s/%s: %w", a.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			return nil
		}
		return fmt.Errorf("storage: close gs://%s/%s: %w", a.bucket, object, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
