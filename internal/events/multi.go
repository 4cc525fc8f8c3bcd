package events

import (
	"context"
	"errors"

	"github.com/agentoven/agentwatch/pkg/contracts"
	"github.com/agentoven/agentwatch/pkg/models"
)

// Multi publishes to every sink in order and joins their errors.
type Multi []contracts.ActivityPublisher

func (m Multi) Publish(ctx context.Context, entry models.ActivityLog) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Publish(context.Context, models.ActivityLog) error { return nil }
