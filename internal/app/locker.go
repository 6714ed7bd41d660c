package app

import (
	"context"
	"strconv"
	"sync"

	"github.com/hylla/stockcount/internal/domain"
)

// LocalLocker serializes keyed operations inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker constructs a process-local keyed lock.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}}
}

// Obtain waits for the key to be free or for ctx to end.
func (l *LocalLocker) Obtain(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-slot })
		return nil
	}, nil
}

// finalizeLockKey names the lock guarding finalize and outbox delivery for one block.
func finalizeLockKey(blockID int64) string {
	return "stockcount:finalize:" + strconv.FormatInt(blockID, 10)
}

// nopMetrics drops every observation.
type nopMetrics struct{}

func (nopMetrics) ReservationAcquired()          {}
func (nopMetrics) ReservationConflict()          {}
func (nopMetrics) ReservationTakeover()          {}
func (nopMetrics) BlockFinalized(domain.Outcome) {}
func (nopMetrics) FinalizeParked()               {}
func (nopMetrics) CatalogFallback()              {}
