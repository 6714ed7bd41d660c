package domain

import (
	"strings"
	"time"
)

// PendingFinalize holds a finalize payload whose log entries could not be appended yet.
// It is only removed after a successful retry or an acknowledged discard.
type PendingFinalize struct {
	ID        string     `json:"id"`
	BlockID   int64      `json:"blockId"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Entries   []LogEntry `json:"entries"`
	LastError string     `json:"lastError,omitempty"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NewPendingFinalize parks entries after a failed append.
func NewPendingFinalize(id string, blockID int64, user User, entries []LogEntry, cause error, now time.Time) (PendingFinalize, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PendingFinalize{}, ErrInvalidID
	}
	user, err := user.Normalize()
	if err != nil {
		return PendingFinalize{}, err
	}
	p := PendingFinalize{
		ID:        id,
		BlockID:   blockID,
		UserID:    user.ID,
		UserName:  user.Name,
		Entries:   append([]LogEntry(nil), entries...),
		Attempts:  1,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if cause != nil {
		p.LastError = cause.Error()
	}
	return p, nil
}

// RecordFailure notes one more failed delivery attempt.
func (p *PendingFinalize) RecordFailure(cause error, now time.Time) {
	p.Attempts++
	p.UpdatedAt = now.UTC()
	if cause != nil {
		p.LastError = cause.Error()
	}
}
