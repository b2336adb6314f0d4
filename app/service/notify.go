package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/factory"
)

// Notifier is told about payment state changes after they are committed.
// Delivery is best effort; a notifier must never block or fail a transition.
type Notifier interface {
	PaymentStateChanged(ctx context.Context, payment *entity.Payment, eventType string)
}

type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: factory.NewModuleLogger("notifier")}
}

func (n *LogNotifier) PaymentStateChanged(_ context.Context, payment *entity.Payment, eventType string) {
	n.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"entity_id":  payment.EntityID,
		"status":     payment.Status,
		"event":      eventType,
	}).Info("payment state changed")
}
