package notify

import (
	"context"
	"errors"

	"sensmed/internal/alerts"
	"sensmed/internal/models"
)

// Multi fans an alert out to several notifiers. Every notifier is tried even
// when an earlier one fails.
type Multi []alerts.Notifier

// PublishAlert implements alerts.Notifier
func (m Multi) PublishAlert(ctx context.Context, alert *models.Alert, device *models.Device) error {
	var errs []error
	for _, n := range m {
		if err := n.PublishAlert(ctx, alert, device); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
