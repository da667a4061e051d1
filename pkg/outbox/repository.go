package outbox

import "context"

// Repository defines the interface for outbox event persistence
type Repository interface {
	// Save stores an event. Called with a session context it joins the caller's transaction.
	Save(ctx context.Context, event *OutboxEvent) error

	// FindUnpublished retrieves unpublished, retryable events oldest first
	FindUnpublished(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkPublished marks an event as published
	MarkPublished(ctx context.Context, eventID string) error

	// IncrementRetry increments the retry count and updates last error
	IncrementRetry(ctx context.Context, eventID string, errorMsg string) error
}
