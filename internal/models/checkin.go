package models

import (
	"time"

	"github.com/uptrace/bun"
)

type VerificationMethod string

const (
	MethodQROnly        VerificationMethod = "qr-only"
	MethodQRAndID       VerificationMethod = "qr-and-id"
	MethodManualReceipt VerificationMethod = "manual-receipt"
)

func (m VerificationMethod) Valid() bool {
	return m == MethodQROnly || m == MethodQRAndID || m == MethodManualReceipt
}

type CheckInStatus string

const (
	CheckInCompleted CheckInStatus = "completed"
	CheckInFailed    CheckInStatus = "failed"
)

// CheckInRecord is an immutable attendance fact. At most one completed record
// exists per (registration, target) and per (attendee, target).
type CheckInRecord struct {
	bun.BaseModel `bun:"table:check_in_records"`

	ID             string             `bun:"id,pk" json:"id"`
	RegistrationID string             `bun:"registration_id,notnull" json:"registrationId"`
	AttendeeRef    string             `bun:"attendee_ref,notnull" json:"attendeeRef"`
	Kind           EntitlementKind    `bun:"kind,notnull" json:"kind"`
	TargetID       string             `bun:"target_id,notnull" json:"targetId"`
	Method         VerificationMethod `bun:"method,notnull" json:"method"`
	Status         CheckInStatus      `bun:"status,notnull" json:"status"`
	FailureCode    string             `bun:"failure_code,nullzero" json:"failureCode,omitempty"`
	Operator       string             `bun:"operator,notnull" json:"operator"`
	CreatedAt      time.Time          `bun:"created_at,notnull" json:"timestamp"`
}

// UsedCredential marks an offline secure key as consumed for one target.
type UsedCredential struct {
	bun.BaseModel `bun:"table:used_credentials"`

	ID             int64           `bun:"id,pk,autoincrement"`
	SecureKey      string          `bun:"secure_key,notnull"`
	RegistrationID string          `bun:"registration_id,notnull"`
	Kind           EntitlementKind `bun:"kind,notnull"`
	TargetID       string          `bun:"target_id,notnull"`
	ConsumedBy     string          `bun:"consumed_by,notnull"`
	ConsumedAt     time.Time       `bun:"consumed_at,notnull"`
}
