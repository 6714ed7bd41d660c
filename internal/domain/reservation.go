package domain

import (
	"strings"
	"time"
)

// User identifies the operator performing a block operation.
type User struct {
	ID   string `json:"userId"`
	Name string `json:"userName"`
}

// Normalize trims and validates the user identity.
func (u User) Normalize() (User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Name = strings.TrimSpace(u.Name)
	if u.ID == "" {
		return User{}, ErrInvalidUser
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	return u, nil
}

// Reservation grants one operator exclusive ownership of a block.
type Reservation struct {
	BlockID    int64     `json:"blockId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// NewReservation validates and stamps one reservation request.
func NewReservation(blockID int64, user User, now time.Time) (Reservation, error) {
	if blockID <= 0 {
		return Reservation{}, ErrInvalidID
	}
	user, err := user.Normalize()
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{
		BlockID:    blockID,
		UserID:     user.ID,
		UserName:   user.Name,
		AcquiredAt: now.UTC(),
	}, nil
}

// Holder returns the owning operator.
func (r Reservation) Holder() User {
	return User{ID: r.UserID, Name: r.UserName}
}

// HeldBy reports whether the reservation belongs to the user id.
func (r Reservation) HeldBy(userID string) bool {
	return strings.TrimSpace(userID) != "" && r.UserID == strings.TrimSpace(userID)
}

// IsStale reports whether the reservation outlived ttl at now. A zero ttl never expires.
// A reservation stays live through the full ttl and turns stale strictly after it,
// compared at millisecond precision so every reservation store agrees on the cutoff.
func (r Reservation) IsStale(ttl time.Duration, now time.Time) bool {
	cutoff := StaleBefore(ttl, now)
	if cutoff.IsZero() {
		return false
	}
	return r.AcquiredAt.UTC().Before(cutoff)
}

// StaleBefore returns the acquisition cutoff for ttl; reservations acquired before it are stale.
// The cutoff is truncated to the millisecond. The zero time means nothing is stale.
func StaleBefore(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.UTC().Add(-ttl).Truncate(time.Millisecond)
}
