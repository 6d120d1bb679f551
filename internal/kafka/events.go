package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-registration/internal/config"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// NopPublisher drops every message. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, []byte) error { return nil }

type RegistrationEvent struct {
	RegistrationID string               `json:"registrationId"`
	AttendeeRef    string               `json:"attendeeRef"`
	Channel        models.Channel       `json:"channel"`
	PaymentStatus  models.PaymentStatus `json:"paymentStatus"`
	Events         []string             `json:"events"`
	Workshops      []string             `json:"workshops"`
	TotalAmount    int64                `json:"totalAmount"`
	OrderID        string               `json:"orderId,omitempty"`
	ReceiptNumber  string               `json:"receiptNumber,omitempty"`
	Version        int                  `json:"version"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

type CheckInEvent struct {
	RecordID       string                    `json:"recordId"`
	RegistrationID string                    `json:"registrationId"`
	AttendeeRef    string                    `json:"attendeeRef"`
	Kind           models.EntitlementKind    `json:"kind"`
	TargetID       string                    `json:"targetId"`
	Method         models.VerificationMethod `json:"method"`
	Operator       string                    `json:"operator"`
	OccurredAt     time.Time                 `json:"occurredAt"`
}

// EmailNotification is picked up by the notification service, which owns delivery.
type EmailNotification struct {
	Template       string            `json:"template"`
	To             string            `json:"to"`
	Name           string            `json:"name"`
	RegistrationID string            `json:"registrationId"`
	QRDataURL      string            `json:"qrDataUrl,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

const (
	TemplateRegistrationConfirmed = "registration-confirmed"
	TemplateRegistrationUpdated   = "registration-updated"
	TemplateRegistrationRefunded  = "registration-refunded"
)

// Events publishes domain events. Publishing is fire-and-forget: failures are
// logged and never reach the caller, so a broker outage cannot undo a payment.
type Events struct {
	pub    Publisher
	topics config.TopicConfig
	log    *logger.Logger
}

func NewEvents(pub Publisher, topics config.TopicConfig, log *logger.Logger) *Events {
	return &Events{pub: pub, topics: topics, log: log}
}

func newRegistrationEvent(reg *models.Registration) RegistrationEvent {
	events, workshops := reg.Targets()
	return RegistrationEvent{
		RegistrationID: reg.ID,
		AttendeeRef:    reg.AttendeeRef,
		Channel:        reg.Channel,
		PaymentStatus:  reg.PaymentStatus,
		Events:         events,
		Workshops:      workshops,
		TotalAmount:    reg.TotalAmount,
		OrderID:        reg.OrderID,
		ReceiptNumber:  reg.ReceiptNumber,
		Version:        reg.Version,
		OccurredAt:     time.Now().UTC(),
	}
}

func (e *Events) RegistrationCompleted(ctx context.Context, reg *models.Registration) {
	e.publish(ctx, e.topics.RegistrationCompleted, reg.ID, newRegistrationEvent(reg))
}

func (e *Events) RegistrationRefunded(ctx context.Context, reg *models.Registration) {
	e.publish(ctx, e.topics.RegistrationRefunded, reg.ID, newRegistrationEvent(reg))
}

func (e *Events) CheckInCompleted(ctx context.Context, rec *models.CheckInRecord) {
	e.publish(ctx, e.topics.CheckInCompleted, rec.RegistrationID, CheckInEvent{
		RecordID:       rec.ID,
		RegistrationID: rec.RegistrationID,
		AttendeeRef:    rec.AttendeeRef,
		Kind:           rec.Kind,
		TargetID:       rec.TargetID,
		Method:         rec.Method,
		Operator:       rec.Operator,
		OccurredAt:     rec.CreatedAt,
	})
}

// SendEmail skips registrations without an address.
func (e *Events) SendEmail(ctx context.Context, template string, reg *models.Registration) {
	if reg.AttendeeEmail == "" {
		e.log.Debug("KAFKA", fmt.Sprintf("No email on registration %s, skipping %s", reg.ID, template))
		return
	}
	msg := EmailNotification{
		Template:       template,
		To:             reg.AttendeeEmail,
		Name:           reg.AttendeeName,
		RegistrationID: reg.ID,
		Data: map[string]string{
			"totalAmount": fmt.Sprintf("%d", reg.TotalAmount),
		},
	}
	if reg.QRCode != nil {
		msg.QRDataURL = reg.QRCode.DataURL
	}
	if reg.ReceiptNumber != "" {
		msg.Data["receiptNumber"] = reg.ReceiptNumber
	}
	e.publish(ctx, e.topics.EmailNotifications, reg.ID, msg)
}

func (e *Events) publish(ctx context.Context, topic, key string, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("KAFKA", fmt.Sprintf("Failed to marshal %s payload: %v", topic, err))
		return
	}
	if err := e.pub.Publish(ctx, topic, key, value); err != nil {
		e.log.LogKafka("PUBLISH_FAILED", topic, fmt.Sprintf("key=%s: %v", key, err))
		return
	}
	e.log.LogKafka("PUBLISHED", topic, "key="+key)
}
