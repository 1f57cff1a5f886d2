package shared

import (
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies the learner owning the local state.
type UserID string

// IsEmpty checks if the ID is empty.
func (u UserID) IsEmpty() bool { return strings.TrimSpace(string(u)) == "" }

// String returns the string representation.
func (u UserID) String() string { return string(u) }

// NewUserID creates a new UserID with validation.
func NewUserID(id string) (UserID, error) {
	u := UserID(strings.TrimSpace(id))
	if u.IsEmpty() {
		return "", NewDomainError("shared", "NewUserID", ErrEmptyValue, "user id cannot be empty")
	}
	return u, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XP represents experience points. It never goes below zero.
type XP int

const (
	MinXP XP = 0
	MaxXP XP = 100_000_000
)

// IsValid checks if the XP value is within valid range.
func (x XP) IsValid() bool { return x >= MinXP && x <= MaxXP }

// Int returns the underlying int value.
func (x XP) Int() int { return int(x) }

// Add adds amount (which may be negative) and saturates at the bounds.
func (x XP) Add(amount int) XP {
	r := int64(x) + int64(amount)
	switch {
	case r > int64(MaxXP):
		return MaxXP
	case r < int64(MinXP):
		return MinXP
	}
	return XP(r)
}

// NewXP creates a new XP value with validation.
func NewXP(amount int) (XP, error) {
	if amount < int(MinXP) {
		return 0, NewDomainError("shared", "NewXP", ErrNegativeValue, "XP cannot be negative")
	}
	if amount > int(MaxXP) {
		return MaxXP, nil
	}
	return XP(amount), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Level Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Level is always derived from XP, never set directly.
type Level int

// MinLevel is the level of a fresh account.
const MinLevel Level = 1

// Int returns the underlying int value.
func (l Level) Int() int { return int(l) }

// Title returns the rank name shown next to the level.
func (l Level) Title() string {
	switch {
	case l >= 50:
		return "Financial Master"
	case l >= 40:
		return "Money Expert"
	case l >= 30:
		return "Budget Pro"
	case l >= 20:
		return "Savings Star"
	case l >= 15:
		return "Finance Student"
	case l >= 10:
		return "Money Learner"
	case l >= 5:
		return "Budget Beginner"
	default:
		return "New Learner"
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Health Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Health is kept within [MinHealth, MaxHealth].
type Health int

const (
	MinHealth Health = 0
	MaxHealth Health = 100
)

// ClampHealth brings any value into range.
func ClampHealth(v int) Health {
	switch {
	case v < int(MinHealth):
		return MinHealth
	case v > int(MaxHealth):
		return MaxHealth
	}
	return Health(v)
}

// Int returns the underlying int value.
func (h Health) Int() int { return int(h) }

// Add applies delta and clamps.
func (h Health) Add(delta int) Health { return ClampHealth(int(h) + delta) }

// HealthStatus is a coarse band over Health.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthPoor      HealthStatus = "poor"
	HealthCritical  HealthStatus = "critical"
)

// Status returns the band the value falls into.
func (h Health) Status() HealthStatus {
	switch {
	case h >= 80:
		return HealthExcellent
	case h >= 60:
		return HealthGood
	case h >= 40:
		return HealthFair
	case h >= 20:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// IsLow reports health at or below the warning threshold.
func (h Health) IsLow() bool { return h <= 20 }
