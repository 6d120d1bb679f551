package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Channel records which desk a registration came through.
type Channel string

const (
	ChannelOnline  Channel = "online"
	ChannelOffline Channel = "offline"
)

type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	ID                 string         `bun:"id,pk" json:"id"`
	AttendeeRef        string         `bun:"attendee_ref,notnull" json:"attendeeRef"`
	IdentityProviderID string         `bun:"identity_provider_id,nullzero" json:"identityProviderId,omitempty"`
	AttendeeName       string         `bun:"attendee_name" json:"attendeeName"`
	AttendeeEmail      string         `bun:"attendee_email" json:"attendeeEmail"`
	AttendeePhone      string         `bun:"attendee_phone" json:"attendeePhone,omitempty"`
	Channel            Channel        `bun:"channel,notnull" json:"channel"`
	Amount             int64          `bun:"amount,notnull" json:"amount"`
	PlatformFee        int64          `bun:"platform_fee,notnull" json:"platformFee"`
	TotalAmount        int64          `bun:"total_amount,notnull" json:"totalAmount"`
	PaymentStatus      PaymentStatus  `bun:"payment_status,notnull" json:"paymentStatus"`
	OrderID            string         `bun:"order_id,unique,nullzero" json:"orderId,omitempty"`
	ReceiptNumber      string         `bun:"receipt_number,unique,nullzero" json:"receiptNumber,omitempty"`
	SecureKey          string         `bun:"secure_key,nullzero" json:"-"`
	PaymentDetails     PaymentDetails `bun:"payment_details" json:"paymentDetails"`
	GatewayResponse    map[string]any `bun:"gateway_response" json:"-"`
	QRCode             *QRArtifact    `bun:"qr_code" json:"qrCode,omitempty"`
	Version            int            `bun:"version,notnull" json:"version"`
	CreatedAt          time.Time      `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt          time.Time      `bun:"updated_at,notnull" json:"updatedAt"`
	PaymentInitiatedAt time.Time      `bun:"payment_initiated_at,nullzero" json:"paymentInitiatedAt,omitempty"`
	PaymentCompletedAt time.Time      `bun:"payment_completed_at,nullzero" json:"paymentCompletedAt,omitempty"`

	Entitlements []*Entitlement `bun:"rel:has-many,join:id=registration_id" json:"entitlements"`
}

// Targets returns entitlement refs split by kind, preserving order.
func (r *Registration) Targets() (events, workshops []string) {
	events, workshops = []string{}, []string{}
	for _, e := range r.Entitlements {
		switch e.Kind {
		case KindEvent:
			events = append(events, e.TargetID)
		case KindWorkshop:
			workshops = append(workshops, e.TargetID)
		}
	}
	return events, workshops
}

func (r *Registration) Entitlement(ref TargetRef) *Entitlement {
	for _, e := range r.Entitlements {
		if e.Kind == ref.Kind && e.TargetID == ref.ID {
			return e
		}
	}
	return nil
}

func (r *Registration) Snapshot() []EntitlementSnapshot {
	out := make([]EntitlementSnapshot, 0, len(r.Entitlements))
	for _, e := range r.Entitlements {
		out = append(out, EntitlementSnapshot{Kind: e.Kind, TargetID: e.TargetID, Status: e.Status})
	}
	return out
}

type PaymentDetails struct {
	Provider         string            `json:"provider,omitempty"`
	OrderID          string            `json:"orderId,omitempty"`
	GatewayOrderID   string            `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string            `json:"gatewayPaymentId,omitempty"`
	GatewaySignature string            `json:"gatewaySignature,omitempty"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	CustomerDetails  map[string]string `json:"customerDetails,omitempty"`
	MerchantParams   map[string]string `json:"merchantParams,omitempty"`
	CollectedBy      string            `json:"collectedBy,omitempty"`
	Refund           *RefundDetails    `json:"refund,omitempty"`
}

type RefundDetails struct {
	RefundID   string    `json:"refundId,omitempty"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	RefundedBy string    `json:"refundedBy"`
	RefundedAt time.Time `json:"refundedAt"`
}

// QRArtifact is the issued pass. Payload is the exact signed text inside the image.
type QRArtifact struct {
	DataURL     string     `json:"dataUrl"`
	Payload     string     `json:"payload"`
	GeneratedAt time.Time  `json:"generatedAt"`
	ValidUntil  time.Time  `json:"validUntil"`
	Metadata    QRMetadata `json:"metadata"`
}

type QRMetadata struct {
	Events           []string         `json:"events"`
	Workshops        []string         `json:"workshops"`
	VerificationData VerificationData `json:"verificationData"`
}

type VerificationData struct {
	BaseAmount       int64  `json:"baseAmount"`
	PlatformFee      int64  `json:"platformFee"`
	TotalAmount      int64  `json:"totalAmount"`
	PaymentID        string `json:"paymentId,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	VerificationHash string `json:"verificationHash"`
}

// HistoryEntry is one append-only row of a registration's update log.
type HistoryEntry struct {
	bun.BaseModel `bun:"table:registration_history"`

	ID             int64                 `bun:"id,pk,autoincrement" json:"-"`
	RegistrationID string                `bun:"registration_id,notnull" json:"-"`
	Version        int                   `bun:"version,notnull" json:"version"`
	Reason         string                `bun:"reason,notnull" json:"reason"`
	Actor          string                `bun:"actor" json:"actor,omitempty"`
	Snapshot       []EntitlementSnapshot `bun:"snapshot" json:"snapshot"`
	CreatedAt      time.Time             `bun:"created_at,notnull" json:"timestamp"`
}

// Sequence backs receipt numbers; Value is only ever advanced with +1.
type Sequence struct {
	bun.BaseModel `bun:"table:sequences"`

	Name  string `bun:"name,pk"`
	Value int64  `bun:"value,notnull"`
}
