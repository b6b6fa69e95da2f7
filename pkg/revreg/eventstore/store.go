// Package eventstore persists saga request/response bookkeeping so that a
// step interrupted by a crash can be found and resumed.
//
// One record exists per (event type, correlation id). Its lifecycle is
//
//	REQUESTED -> IN_PROGRESS -> COMPLETED | FAILED
//
// with retries moving it back to REQUESTED.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/codec"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

// Category is the storage category of saga event records.
const Category = "saga_event"

// Record tags.
const (
	TagEventType     = "event_type"
	TagCorrelationID = "correlation_id"
	TagRequestID     = "request_id"
	TagState         = "state"
)

// State is the lifecycle state of a saga event record.
type State string

// Record states.
const (
	StateRequested  State = "REQUESTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Record is a persisted saga step.
type Record struct {
	EventType       string          `cbor:"eventType"`
	CorrelationID   string          `cbor:"correlationId"`
	RequestID       string          `cbor:"requestId"`
	Payload         json.RawMessage `cbor:"payload"`
	Options         options.Bag     `cbor:"options,omitempty"`
	State           State           `cbor:"state"`
	RetryCount      int             `cbor:"retryCount"`
	ExpiryTimestamp time.Time       `cbor:"expiryTimestamp"`
	ErrorMsg        string          `cbor:"errorMsg,omitempty"`
	Response        json.RawMessage `cbor:"response,omitempty"`
	CreatedAt       time.Time       `cbor:"createdAt"`
	UpdatedAt       time.Time       `cbor:"updatedAt"`
}

// Expired reports whether the record's expiry has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return IsEventExpired(r.ExpiryTimestamp, now)
}

// Pending reports whether the record still awaits completion.
func (r *Record) Pending() bool {
	return r.State == StateRequested || r.State == StateInProgress
}

// DecodePayload unmarshals the stored request payload into v.
func (r *Record) DecodePayload(v any) error {
	return json.Unmarshal(r.Payload, v)
}

func recordKey(eventType, correlationID string) string {
	return eventType + ":" + correlationID
}

// Option configures a Store.
type Option func(*Store)

// WithPolicy sets the retry timing policy.
func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p.withDefaults() }
}

// WithClock sets the time source. Tests use it to move past expiries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the saga event store of one profile.
type Store struct {
	records storage.Store
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an event store over records.
func New(records storage.Store, opts ...Option) *Store {
	s := &Store{
		records: records,
		policy:  DefaultPolicy(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the store's retry timing policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// StoreEventRequest inserts a new REQUESTED record. A record that already
// exists for (eventType, correlationID) is left untouched, so persisting a
// step twice is a no-op.
func (s *Store) StoreEventRequest(ctx context.Context, eventType string, payload any, correlationID, requestID string, opts options.Bag, expiry time.Time) error {
	if eventType == "" || correlationID == "" {
		return rrerrors.Validation("store event request", "event type and correlation id are required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	now := s.now()
	if expiry.IsZero() {
		expiry = s.policy.CalculateEventExpiryTimestamp(now, opts.RetryCount())
	}
	rec := &Record{
		EventType:       eventType,
		CorrelationID:   correlationID,
		RequestID:       requestID,
		Payload:         data,
		Options:         opts.Clone(),
		State:           StateRequested,
		RetryCount:      opts.RetryCount(),
		ExpiryTimestamp: expiry,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	item, err := encode(rec)
	if err != nil {
		return err
	}

	sess, err := s.records.Session(ctx)
	if err != nil {
		return rrerrors.Transient("store event request", err)
	}
	defer sess.Close()

	err = sess.Insert(ctx, item)
	if errors.Is(err, storage.ErrDuplicate) {
		s.logger.Debug("saga event already stored",
			"event_type", eventType,
			"correlation_id", correlationID,
		)
		return nil
	}
	if err != nil {
		return rrerrors.Transient("store event request", err)
	}
	return nil
}

// Get returns the record for (eventType, correlationID).
func (s *Store) Get(ctx context.Context, eventType, correlationID string) (*Record, error) {
	sess, err := s.records.Session(ctx)
	if err != nil {
		return nil, rrerrors.Transient("get event", err)
	}
	defer sess.Close()

	item, err := sess.Fetch(ctx, Category, recordKey(eventType, correlationID), false)
	if err != nil {
		return nil, wrapFetch("get event", eventType, correlationID, err)
	}
	return decode(item)
}

// MarkInProgress moves a record to IN_PROGRESS and refreshes its expiry.
func (s *Store) MarkInProgress(ctx context.Context, eventType, correlationID string) error {
	return s.update(ctx, "mark in progress", eventType, correlationID, func(rec *Record, now time.Time) {
		rec.State = StateInProgress
		rec.ExpiryTimestamp = s.policy.CalculateEventExpiryTimestamp(now, rec.RetryCount)
	})
}

// MarkRecovering moves a record being re-emitted by recovery to IN_PROGRESS
// with a fresh expiry, so an immediate second recovery pass skips it.
func (s *Store) MarkRecovering(ctx context.Context, eventType, correlationID string) error {
	return s.update(ctx, "mark recovering", eventType, correlationID, func(rec *Record, now time.Time) {
		rec.State = StateInProgress
		rec.Options = rec.Options.With(options.KeyRecovery, true)
		rec.ExpiryTimestamp = s.policy.CalculateEventExpiryTimestamp(now, rec.RetryCount)
	})
}

// UpdateEventForRetry moves a record back to REQUESTED with the new retry
// count, options and expiry.
func (s *Store) UpdateEventForRetry(ctx context.Context, eventType, correlationID, errorMsg string, retryCount int, newOptions options.Bag) error {
	return s.update(ctx, "update event for retry", eventType, correlationID, func(rec *Record, now time.Time) {
		rec.State = StateRequested
		rec.RetryCount = retryCount
		rec.ErrorMsg = errorMsg
		if newOptions != nil {
			rec.Options = newOptions.Clone()
		}
		rec.ExpiryTimestamp = s.policy.CalculateEventExpiryTimestamp(now, retryCount)
	})
}

// UpdateEventResponse closes a record as COMPLETED or FAILED.
func (s *Store) UpdateEventResponse(ctx context.Context, eventType, correlationID string, success bool, response any, errorMsg string) error {
	var data json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("encode event response: %w", err)
		}
		data = b
	}
	return s.update(ctx, "update event response", eventType, correlationID, func(rec *Record, _ time.Time) {
		rec.State = StateFailed
		if success {
			rec.State = StateCompleted
		}
		rec.Response = data
		rec.ErrorMsg = errorMsg
	})
}

func (s *Store) update(ctx context.Context, op, eventType, correlationID string, mutate func(*Record, time.Time)) error {
	tx, err := s.records.Transaction(ctx)
	if err != nil {
		return rrerrors.Transient(op, err)
	}
	defer tx.Close()

	item, err := tx.Fetch(ctx, Category, recordKey(eventType, correlationID), true)
	if err != nil {
		return wrapFetch(op, eventType, correlationID, err)
	}
	rec, err := decode(item)
	if err != nil {
		return err
	}

	now := s.now()
	mutate(rec, now)
	rec.UpdatedAt = now

	next, err := encode(rec)
	if err != nil {
		return err
	}
	if err := tx.Replace(ctx, next); err != nil {
		return rrerrors.Transient(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return rrerrors.Transient(op, err)
	}
	return nil
}

// GetInProgressEvents returns REQUESTED and IN_PROGRESS records, oldest
// first. With onlyExpired, records whose expiry has not elapsed are left out.
func (s *Store) GetInProgressEvents(ctx context.Context, onlyExpired bool) ([]*Record, error) {
	recs, err := s.byState(ctx, StateRequested, StateInProgress)
	if err != nil {
		return nil, err
	}
	if onlyExpired {
		now := s.now()
		recs = slices.DeleteFunc(recs, func(r *Record) bool { return !r.Expired(now) })
	}
	return recs, nil
}

// GetFailedEvents returns FAILED records, oldest first.
func (s *Store) GetFailedEvents(ctx context.Context) ([]*Record, error) {
	return s.byState(ctx, StateFailed)
}

// CountPending returns how many records are pending and how many of those
// have expired and can be recovered.
func (s *Store) CountPending(ctx context.Context) (pending, recoverable int, err error) {
	recs, err := s.GetInProgressEvents(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	now := s.now()
	for _, r := range recs {
		if r.Expired(now) {
			recoverable++
		}
	}
	return len(recs), recoverable, nil
}

// CleanupCompletedEvents removes COMPLETED records last updated more than
// maxAgeHours ago and returns how many were removed.
func (s *Store) CleanupCompletedEvents(ctx context.Context, maxAgeHours int) (int, error) {
	cutoff := s.now().Add(-time.Duration(maxAgeHours) * time.Hour)

	tx, err := s.records.Transaction(ctx)
	if err != nil {
		return 0, rrerrors.Transient("cleanup events", err)
	}
	defer tx.Close()

	items, err := tx.FetchAll(ctx, Category, storage.TagFilter{TagState: string(StateCompleted)}, 0, true)
	if err != nil {
		return 0, rrerrors.Transient("cleanup events", err)
	}

	removed := 0
	for _, item := range items {
		rec, err := decode(item)
		if err != nil {
			s.logger.Warn("skipping undecodable saga event", "key", item.Key, "error", err)
			continue
		}
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := tx.Remove(ctx, Category, item.Key); err != nil {
			return 0, rrerrors.Transient("cleanup events", err)
		}
		removed++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, rrerrors.Transient("cleanup events", err)
	}
	return removed, nil
}

func (s *Store) byState(ctx context.Context, states ...State) ([]*Record, error) {
	sess, err := s.records.Session(ctx)
	if err != nil {
		return nil, rrerrors.Transient("list events", err)
	}
	defer sess.Close()

	var out []*Record
	for _, st := range states {
		items, err := sess.FetchAll(ctx, Category, storage.TagFilter{TagState: string(st)}, 0, false)
		if err != nil {
			return nil, rrerrors.Transient("list events", err)
		}
		for _, item := range items {
			rec, err := decode(item)
			if err != nil {
				s.logger.Warn("skipping undecodable saga event", "key", item.Key, "error", err)
				continue
			}
			out = append(out, rec)
		}
	}

	slices.SortStableFunc(out, func(a, b *Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func encode(rec *Record) (*storage.Record, error) {
	value, err := codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode saga event: %w", err)
	}
	return &storage.Record{
		Category: Category,
		Key:      recordKey(rec.EventType, rec.CorrelationID),
		Value:    value,
		Tags: map[string]string{
			TagEventType:     rec.EventType,
			TagCorrelationID: rec.CorrelationID,
			TagRequestID:     rec.RequestID,
			TagState:         string(rec.State),
			"retry_count":    strconv.Itoa(rec.RetryCount),
		},
	}, nil
}

func decode(item *storage.Record) (*Record, error) {
	var rec Record
	if err := codec.Unmarshal(item.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode saga event %s: %w", item.Key, err)
	}
	return &rec, nil
}

func wrapFetch(op, eventType, correlationID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return rrerrors.New(rrerrors.KindNotFound, op,
			fmt.Errorf("saga event %s/%s: %w", eventType, correlationID, err))
	}
	return rrerrors.Transient(op, err)
}
