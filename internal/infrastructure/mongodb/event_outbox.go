package mongodb

import (
	"context"
	"fmt"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/outbox"
)

// EventOutbox stores domain events that are not tied to a shipment write, such as stock pushes
type EventOutbox struct {
	repo          outbox.Repository
	events        *eventMapper
	aggregateType string
}

// NewEventOutbox creates an EventOutbox writing rows for the given aggregate type
func NewEventOutbox(repo outbox.Repository, aggregateType string) *EventOutbox {
	return &EventOutbox{repo: repo, events: newEventMapper(), aggregateType: aggregateType}
}

// Append stores one outbox row per event
func (o *EventOutbox) Append(ctx context.Context, aggregateID string, events ...domain.DomainEvent) error {
	for _, event := range events {
		row, err := o.events.toOutbox(ctx, aggregateID, o.aggregateType, event)
		if err != nil {
			return fmt.Errorf("build outbox event: %w", err)
		}
		if err := o.repo.Save(ctx, row); err != nil {
			return fmt.Errorf("store outbox event: %w", err)
		}
	}
	return nil
}
