package models

import (
	"time"

	"github.com/uptrace/bun"
)

// CapacityTarget holds the counters for one event or workshop.
type CapacityTarget struct {
	bun.BaseModel `bun:"table:capacity_targets"`

	Kind              EntitlementKind `bun:"kind,pk" json:"kind"`
	TargetID          string          `bun:"target_id,pk" json:"targetId"`
	Name              string          `bun:"name,notnull" json:"name"`
	Price             int64           `bun:"price,notnull" json:"price"`
	MaxRegistrations  int             `bun:"max_registrations,notnull" json:"maxRegistrations"`
	RegistrationCount int             `bun:"registration_count,notnull" json:"registrationCount"`
	CheckInCount      int             `bun:"check_in_count,notnull" json:"checkInCount"`
	StartsAt          time.Time       `bun:"starts_at,nullzero" json:"startsAt,omitempty"`
	EndsAt            time.Time       `bun:"ends_at,nullzero" json:"endsAt,omitempty"`
}

func (t *CapacityTarget) Ref() TargetRef {
	return TargetRef{Kind: t.Kind, ID: t.TargetID}
}

// Full reports whether another registration would exceed the ceiling. Zero means unlimited.
func (t *CapacityTarget) Full() bool {
	return t.MaxRegistrations > 0 && t.RegistrationCount >= t.MaxRegistrations
}

// ActiveAt reports whether check-in is open at now, allowing early entry before StartsAt.
func (t *CapacityTarget) ActiveAt(now time.Time, earlyEntry time.Duration) bool {
	if !t.StartsAt.IsZero() && now.Before(t.StartsAt.Add(-earlyEntry)) {
		return false
	}
	if !t.EndsAt.IsZero() && now.After(t.EndsAt) {
		return false
	}
	return true
}
