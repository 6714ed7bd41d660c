// Package redisstore keeps block reservations and finalize locks in Redis so several
// stockcount instances can share one point of truth.
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Connect opens a client and checks that the server answers.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", address, err)
	}
	return rdb, nil
}

// acquireScript performs the reservation check-and-set in one server-side step.
// Result codes: 0 conflict, 1 acquired, 2 stale reservation replaced.
var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local held = cjson.decode(current)
	if held.userId ~= ARGV[2] then
		local staleBefore = tonumber(ARGV[3])
		if staleBefore == 0 or tonumber(held.acquiredAtMs) >= staleBefore then
			return {0, current}
		end
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SADD', KEYS[2], ARGV[4])
		return {2, current}
	end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[4])
return {1, ''}
`)

// reservationRecord is the stored JSON form of a reservation.
type reservationRecord struct {
	BlockID      int64  `json:"blockId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	AcquiredAt   string `json:"acquiredAt"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

func newRecord(r domain.Reservation) reservationRecord {
	return reservationRecord{
		BlockID:      r.BlockID,
		UserID:       r.UserID,
		UserName:     r.UserName,
		AcquiredAt:   r.AcquiredAt.UTC().Format(time.RFC3339Nano),
		AcquiredAtMs: r.AcquiredAt.UTC().UnixMilli(),
	}
}

func (rec reservationRecord) reservation() domain.Reservation {
	acquired, err := time.Parse(time.RFC3339Nano, rec.AcquiredAt)
	if err != nil {
		acquired = time.UnixMilli(rec.AcquiredAtMs)
	}
	return domain.Reservation{
		BlockID:    rec.BlockID,
		UserID:     rec.UserID,
		UserName:   rec.UserName,
		AcquiredAt: acquired.UTC(),
	}
}

func decodeRecord(raw string) (domain.Reservation, error) {
	var rec reservationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	return rec.reservation(), nil
}

// ReservationStore implements app.ReservationStore on Redis.
type ReservationStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewReservationStore constructs a store writing keys under prefix.
func NewReservationStore(rdb redis.UniversalClient, prefix string) *ReservationStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "stockcount:"
	}
	return &ReservationStore{rdb: rdb, prefix: prefix}
}

func (s *ReservationStore) key(blockID int64) string {
	return s.prefix + "reservation:" + strconv.FormatInt(blockID, 10)
}

func (s *ReservationStore) indexKey() string {
	return s.prefix + "reservations"
}

// AcquireReservation atomically stores res unless another operator holds a live reservation.
func (s *ReservationStore) AcquireReservation(ctx context.Context, res domain.Reservation, staleBefore time.Time) (*domain.Reservation, error) {
	payload, err := json.Marshal(newRecord(res))
	if err != nil {
		return nil, fmt.Errorf("encode reservation: %w", err)
	}
	var cutoff int64
	if !staleBefore.IsZero() {
		cutoff = staleBefore.UTC().UnixMilli()
	}
	out, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.key(res.BlockID), s.indexKey()},
		string(payload), res.UserID, cutoff, strconv.FormatInt(res.BlockID, 10),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire reservation: %w", app.ErrCollaboratorUnavailable, err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("unexpected acquire reply %v", out)
	}
	code, _ := out[0].(int64)
	previous, _ := out[1].(string)
	switch code {
	case 1:
		return nil, nil
	case 0:
		held, err := decodeRecord(previous)
		if err != nil {
			return nil, err
		}
		return nil, &app.ConflictError{BlockID: res.BlockID, HeldBy: held.Holder()}
	case 2:
		displaced, err := decodeRecord(previous)
		if err != nil {
			return nil, err
		}
		return &displaced, nil
	default:
		return nil, fmt.Errorf("unexpected acquire result code %d", code)
	}
}

// ReleaseReservation deletes a block's reservation; missing keys are not an error.
func (s *ReservationStore) ReleaseReservation(ctx context.Context, blockID int64) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(blockID))
		pipe.SRem(ctx, s.indexKey(), strconv.FormatInt(blockID, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: release reservation: %w", app.ErrCollaboratorUnavailable, err)
	}
	return nil
}

// GetReservation returns reservation.
func (s *ReservationStore) GetReservation(ctx context.Context, blockID int64) (domain.Reservation, error) {
	raw, err := s.rdb.Get(ctx, s.key(blockID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Reservation{}, app.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("%w: get reservation: %w", app.ErrCollaboratorUnavailable, err)
	}
	return decodeRecord(raw)
}

// ListReservations lists reservations ordered by block id.
func (s *ReservationStore) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list reservations: %w", app.ErrCollaboratorUnavailable, err)
	}
	out := make([]domain.Reservation, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(members))
	for _, member := range members {
		keys = append(keys, s.prefix+"reservation:"+member)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list reservations: %w", app.ErrCollaboratorUnavailable, err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		res, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		return cmp.Compare(a.BlockID, b.BlockID)
	})
	return out, nil
}
