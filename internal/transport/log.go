package transport

import (
	"context"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/sirupsen/logrus"
)

// LogTransport пишет уведомления и события в лог. Используется, когда брокер не настроен.
type LogTransport struct {
	Logger *logrus.Logger
}

func (t LogTransport) Send(_ context.Context, req models.DispatchRequest) error {
	t.Logger.WithFields(logrus.Fields{
		"module":     "transport",
		"request_id": req.RecordID,
		"channel":    req.Channel,
		"recipient":  req.Recipient,
		"template":   req.TemplateKey,
	}).Info("notification dispatched")
	return nil
}

func (t LogTransport) Publish(_ context.Context, event models.DomainEvent) error {
	t.Logger.WithFields(logrus.Fields{
		"module":     "transport",
		"request_id": event.RequestID,
		"event":      event.Type,
		"status":     event.Status,
	}).Info("domain event published")
	return nil
}
