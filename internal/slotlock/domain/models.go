package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type LockStatus string

const (
	StatusActive    LockStatus = "ACTIVE"
	StatusExpired   LockStatus = "EXPIRED"
	StatusUsed      LockStatus = "USED"
	StatusCancelled LockStatus = "CANCELLED"
)

var allowedTransitions = map[LockStatus][]LockStatus{
	StatusActive: {StatusUsed, StatusExpired, StatusCancelled},
}

// CanTransitionTo reports whether the status machine permits moving to next.
// Used, Expired and Cancelled are terminal.
func (s LockStatus) CanTransitionTo(next LockStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s LockStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Claimant identifies who requested a lock. Email is mandatory and is the
// key used for the simultaneous-lock ceiling; document and customer id are
// optional (anonymous checkout).
type Claimant struct {
	Email      string
	DocumentNo string
	CustomerID *int64
}

// SlotLock is a time-boxed hold of SlotsLocked seats on an outbound trip and
// optionally a paired return trip. A round trip is a single row covering
// both legs so the all-or-nothing invariant has a single version token.
type SlotLock struct {
	ID                int64
	LockToken         string
	OutboundReserveID int64
	ReturnReserveID   *int64
	SlotsLocked       int
	ExpiresAt         time.Time
	Status            LockStatus
	VersionToken      string
	Claimant          Claimant

	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// HonorableAt reports whether the lock still counts toward capacity at the
// given instant. Expiry is judged by ExpiresAt, never by Status alone: a
// stale Active row the sweeper has not reached yet must not block seats.
func (l SlotLock) HonorableAt(now time.Time) bool {
	return l.Status == StatusActive && l.ExpiresAt.After(now)
}

// ReserveIDs returns the trips this lock covers, outbound first.
func (l SlotLock) ReserveIDs() []int64 {
	ids := []int64{l.OutboundReserveID}
	if l.ReturnReserveID != nil {
		ids = append(ids, *l.ReturnReserveID)
	}
	return ids
}

// NewVersionToken mints an opaque value for optimistic-concurrency guards.
func NewVersionToken() string {
	return uuid.NewString()
}

// PassengerItem names one traveller consuming one locked seat on a trip.
type PassengerItem struct {
	ReserveID  int64
	FullName   string
	DocumentNo string
	Email      string
}

// PaymentInfo carries the claimed total for a finalization. Method is an
// opaque gateway hint; the core only validates the amount.
type PaymentInfo struct {
	Method      string
	AmountCents int64
}

// ReserveUsage is the capacity signal read for an admission decision.
type ReserveUsage struct {
	ReserveID         int64
	Capacity          int
	ConfirmedPax      int
	ActiveLockedSlots int
}

// Remaining seats still grantable on this trip.
func (u ReserveUsage) Remaining() int {
	remaining := u.Capacity - u.ConfirmedPax - u.ActiveLockedSlots
	if remaining < 0 {
		return 0
	}
	return remaining
}

type LockEventType string

const (
	EventLockAcquired  LockEventType = "SlotLockAcquired"
	EventLockFinalized LockEventType = "SlotLockFinalized"
	EventLockExpired   LockEventType = "SlotLockExpired"
	EventLockCancelled LockEventType = "SlotLockCancelled"
)

// LockEvent is appended to the outbox in the same atomic unit as the state
// change it describes and dispatched asynchronously.
type LockEvent struct {
	ID        int64
	LockToken string
	Type      LockEventType
	Payload   map[string]any
	CreatedAt time.Time
}

// Store is the slot-lock persistence port. Mutations are version guarded:
// updates must carry the VersionToken last read and fail with
// ErrVersionConflict when it no longer matches.
//
// Atomically runs fn as one atomic unit with isolation strong enough that a
// capacity read followed by a lock insert cannot interleave with another
// caller's read of the same trips. Implementations either serialize callers
// outright (memory store) or rely on row locking / serializable isolation
// (SQL store). Ops performed through the TxStore passed to fn share the unit
// and roll back together on any error.
type Store interface {
	Atomically(ctx context.Context, fn func(tx TxStore) error) error
	GetByToken(ctx context.Context, token string) (SlotLock, error)
	ListExpired(ctx context.Context, now time.Time) ([]SlotLock, error)
}

// TxStore exposes the operations available inside one atomic unit. Customer
// and booking writes live here rather than on standalone collaborators so a
// finalize commits or rolls back lock, passenger and payment state together.
type TxStore interface {
	UsageFor(reserveID int64, now time.Time, excludeLockID int64) (ReserveUsage, error)
	CountActiveByEmail(email string, now time.Time) (int, error)
	Insert(lock SlotLock) (SlotLock, error)
	GetByToken(token string) (SlotLock, error)
	// UpdateStatus conditionally transitions the lock identified by id from
	// the state carried by versionToken. ErrVersionConflict when the row
	// changed since it was read.
	UpdateStatus(id int64, versionToken string, next LockStatus, updatedBy string, now time.Time) (SlotLock, error)
	AppendEvent(event LockEvent) error
	// EnsureCustomer resolves or registers the customer for a finalized
	// passenger, keyed by document number.
	EnsureCustomer(fullName, documentNo, email string) (customerID int64, err error)
	// PersistPassengers writes the confirmed passenger and payment rows for
	// a consumed lock.
	PersistPassengers(lock SlotLock, items []PassengerItem, payment *PaymentInfo) error
}

// CapacitySource reads trip capacity signals. Implemented over the external
// reserve/vehicle tables; read-only from this core's perspective.
type CapacitySource interface {
	Capacity(ctx context.Context, reserveID int64) (seats int, confirmedPax int, err error)
}

// PriceSource exposes the per-seat price of a trip, used only to validate
// claimed payment totals at finalize time.
type PriceSource interface {
	UnitPriceCents(ctx context.Context, reserveID int64) (int64, error)
}

// EventPublisher pushes a committed lock event toward downstream consumers.
// Fire and forget: delivery is the outbox worker's concern.
type EventPublisher interface {
	Publish(ctx context.Context, event LockEvent) error
}

// IdempotencyStore caches acquire responses keyed by client-supplied key.
// A caller reserves the key before doing the work, so two concurrent
// requests with the same key cannot both create a lock: the loser either
// replays the cached response or is told a duplicate is in flight.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	// Reserve marks the key as in flight. False when another caller holds it.
	Reserve(ctx context.Context, key string) (bool, error)
	// PutResponse replaces the reservation with the final response.
	PutResponse(ctx context.Context, key string, payload []byte) error
	// Release frees a reserved key whose work failed, so a retry can run.
	Release(ctx context.Context, key string) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
