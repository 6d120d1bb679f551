package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// EntitlementKind selects which capacity target an entitlement points at.
type EntitlementKind string

const (
	KindEvent    EntitlementKind = "event"
	KindWorkshop EntitlementKind = "workshop"
)

var entitlementKinds = map[string]EntitlementKind{
	"event":     KindEvent,
	"events":    KindEvent,
	"workshop":  KindWorkshop,
	"workshops": KindWorkshop,
}

func ParseEntitlementKind(s string) (EntitlementKind, error) {
	kind, ok := entitlementKinds[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown entitlement kind %q", s)
	}
	return kind, nil
}

func (k EntitlementKind) Valid() bool {
	return k == KindEvent || k == KindWorkshop
}

// TargetRef identifies one event or workshop.
type TargetRef struct {
	Kind EntitlementKind `json:"kind"`
	ID   string          `json:"id"`
}

func (r TargetRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

type EntitlementStatus string

const (
	EntitlementPending   EntitlementStatus = "pending"
	EntitlementCompleted EntitlementStatus = "completed"
	EntitlementCancelled EntitlementStatus = "cancelled"
	EntitlementRefunded  EntitlementStatus = "refunded"
)

var entitlementTransitions = map[EntitlementStatus][]EntitlementStatus{
	EntitlementPending:   {EntitlementCompleted, EntitlementCancelled},
	EntitlementCompleted: {EntitlementCancelled, EntitlementRefunded},
}

// CanTransitionTo only allows forward moves; refunds forced by an admin bypass this.
func (s EntitlementStatus) CanTransitionTo(next EntitlementStatus) bool {
	for _, allowed := range entitlementTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type RegistrationMode string

const (
	ModeIndividual RegistrationMode = "individual"
	ModeTeam       RegistrationMode = "team"
)

type Entitlement struct {
	bun.BaseModel `bun:"table:registration_entitlements"`

	ID             int64             `bun:"id,pk,autoincrement" json:"-"`
	RegistrationID string            `bun:"registration_id,notnull" json:"-"`
	Position       int               `bun:"position,notnull" json:"position"`
	Kind           EntitlementKind   `bun:"kind,notnull" json:"kind"`
	TargetID       string            `bun:"target_id,notnull" json:"targetId"`
	Name           string            `bun:"name" json:"name"`
	Status         EntitlementStatus `bun:"status,notnull" json:"status"`
	Mode           RegistrationMode  `bun:"mode,notnull" json:"registrationMode"`
	AttendedAt     time.Time         `bun:"attended_at,nullzero" json:"attendedAt,omitempty"`
	CreatedAt      time.Time         `bun:"created_at,notnull" json:"createdAt"`
}

func (e *Entitlement) Ref() TargetRef {
	return TargetRef{Kind: e.Kind, ID: e.TargetID}
}

func (e *Entitlement) Attended() bool {
	return !e.AttendedAt.IsZero()
}

// EntitlementSnapshot is the per-entitlement state kept in update history.
type EntitlementSnapshot struct {
	Kind     EntitlementKind   `json:"kind"`
	TargetID string            `json:"targetId"`
	Status   EntitlementStatus `json:"status"`
}
