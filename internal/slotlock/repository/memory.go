package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
)

// ErrReserveNotFound indicates a capacity lookup for an unknown trip.
var ErrReserveNotFound = errors.New("reserve not found")

// MemoryStore is an in-memory slot-lock store suitable for tests and local
// demos. A single mutex serializes atomic units, which trivially gives the
// isolation the admission check needs; version tokens are still enforced so
// the optimistic-concurrency paths behave like the SQL store.
type MemoryStore struct {
	mu             sync.Mutex
	capacity       domain.CapacitySource
	nextID         int64
	locks          map[int64]domain.SlotLock
	byToken        map[string]int64
	events         []domain.LockEvent
	nextCustomerID int64
	customers      map[string]int64
	bookings       []PersistedBooking
}

// NewMemoryStore constructs an empty store reading capacity signals from the
// given source.
func NewMemoryStore(capacity domain.CapacitySource) *MemoryStore {
	return &MemoryStore{
		capacity:  capacity,
		locks:     make(map[int64]domain.SlotLock),
		byToken:   make(map[string]int64),
		customers: make(map[string]int64),
	}
}

type memoryTx struct {
	ctx   context.Context
	store *MemoryStore
}

// Atomically runs fn under the store mutex. On error every write performed
// through the TxStore is rolled back by restoring a snapshot taken at entry.
func (m *MemoryStore) Atomically(ctx context.Context, fn func(tx domain.TxStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapLocks := make(map[int64]domain.SlotLock, len(m.locks))
	for id, l := range m.locks {
		snapLocks[id] = l
	}
	snapTokens := make(map[string]int64, len(m.byToken))
	for t, id := range m.byToken {
		snapTokens[t] = id
	}
	snapCustomers := make(map[string]int64, len(m.customers))
	for doc, id := range m.customers {
		snapCustomers[doc] = id
	}
	snapNextID := m.nextID
	snapNextCustomerID := m.nextCustomerID
	snapEvents := len(m.events)
	snapBookings := len(m.bookings)

	if err := fn(&memoryTx{ctx: ctx, store: m}); err != nil {
		m.locks = snapLocks
		m.byToken = snapTokens
		m.customers = snapCustomers
		m.nextID = snapNextID
		m.nextCustomerID = snapNextCustomerID
		m.events = m.events[:snapEvents]
		m.bookings = m.bookings[:snapBookings]
		return err
	}
	return nil
}

// GetByToken reads a lock outside any atomic unit.
func (m *MemoryStore) GetByToken(_ context.Context, token string) (domain.SlotLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByTokenLocked(token)
}

// ListExpired returns Active locks whose ExpiresAt has passed, together with
// the version token current at selection time.
func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]domain.SlotLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []domain.SlotLock
	for _, l := range m.locks {
		if l.Status == domain.StatusActive && !l.ExpiresAt.After(now) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

// Events returns appended outbox events (for tests).
func (m *MemoryStore) Events() []domain.LockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LockEvent(nil), m.events...)
}

// Locks returns all stored locks (for tests inspecting final storage state).
func (m *MemoryStore) Locks() []domain.SlotLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SlotLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out
}

func (m *MemoryStore) getByTokenLocked(token string) (domain.SlotLock, error) {
	id, ok := m.byToken[token]
	if !ok {
		return domain.SlotLock{}, domain.ErrLockNotFound
	}
	return m.locks[id], nil
}

func (t *memoryTx) UsageFor(reserveID int64, now time.Time, excludeLockID int64) (domain.ReserveUsage, error) {
	seats, confirmed, err := t.store.capacity.Capacity(t.ctx, reserveID)
	if err != nil {
		return domain.ReserveUsage{}, err
	}
	locked := 0
	for _, l := range t.store.locks {
		if l.ID == excludeLockID || !l.HonorableAt(now) {
			continue
		}
		for _, rid := range l.ReserveIDs() {
			if rid == reserveID {
				locked += l.SlotsLocked
			}
		}
	}
	return domain.ReserveUsage{
		ReserveID:         reserveID,
		Capacity:          seats,
		ConfirmedPax:      confirmed,
		ActiveLockedSlots: locked,
	}, nil
}

func (t *memoryTx) CountActiveByEmail(email string, now time.Time) (int, error) {
	count := 0
	for _, l := range t.store.locks {
		if l.HonorableAt(now) && l.Claimant.Email == email {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) Insert(lock domain.SlotLock) (domain.SlotLock, error) {
	if _, exists := t.store.byToken[lock.LockToken]; exists {
		return domain.SlotLock{}, errors.New("duplicate lock token")
	}
	t.store.nextID++
	lock.ID = t.store.nextID
	if lock.VersionToken == "" {
		lock.VersionToken = domain.NewVersionToken()
	}
	t.store.locks[lock.ID] = lock
	t.store.byToken[lock.LockToken] = lock.ID
	return lock, nil
}

func (t *memoryTx) GetByToken(token string) (domain.SlotLock, error) {
	return t.store.getByTokenLocked(token)
}

func (t *memoryTx) UpdateStatus(id int64, versionToken string, next domain.LockStatus, updatedBy string, now time.Time) (domain.SlotLock, error) {
	existing, ok := t.store.locks[id]
	if !ok {
		return domain.SlotLock{}, domain.ErrLockNotFound
	}
	if existing.VersionToken != versionToken {
		return domain.SlotLock{}, domain.ErrVersionConflict
	}
	if !existing.Status.CanTransitionTo(next) {
		return domain.SlotLock{}, domain.ErrVersionConflict
	}
	existing.Status = next
	existing.VersionToken = domain.NewVersionToken()
	existing.UpdatedBy = updatedBy
	existing.UpdatedAt = now
	t.store.locks[id] = existing
	return existing, nil
}

func (t *memoryTx) AppendEvent(event domain.LockEvent) error {
	event.ID = int64(len(t.store.events) + 1)
	t.store.events = append(t.store.events, event)
	return nil
}

func (t *memoryTx) EnsureCustomer(_, documentNo, _ string) (int64, error) {
	if id, ok := t.store.customers[documentNo]; ok {
		return id, nil
	}
	t.store.nextCustomerID++
	t.store.customers[documentNo] = t.store.nextCustomerID
	return t.store.nextCustomerID, nil
}

func (t *memoryTx) PersistPassengers(lock domain.SlotLock, items []domain.PassengerItem, payment *domain.PaymentInfo) error {
	t.store.bookings = append(t.store.bookings, PersistedBooking{
		LockToken: lock.LockToken,
		Items:     append([]domain.PassengerItem(nil), items...),
		Payment:   payment,
	})
	return nil
}

// MemoryCapacitySource serves capacity signals from a map, mirroring the
// reserve/vehicle tables the production source reads.
type MemoryCapacitySource struct {
	mu       sync.RWMutex
	reserves map[int64]reserveInfo
}

type reserveInfo struct {
	capacity  int
	confirmed int
}

// NewMemoryCapacitySource constructs an empty source.
func NewMemoryCapacitySource() *MemoryCapacitySource {
	return &MemoryCapacitySource{reserves: make(map[int64]reserveInfo)}
}

// SetReserve registers or replaces a trip's capacity and confirmed count.
func (s *MemoryCapacitySource) SetReserve(reserveID int64, capacity, confirmedPax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserves[reserveID] = reserveInfo{capacity: capacity, confirmed: confirmedPax}
}

// Capacity implements domain.CapacitySource.
func (s *MemoryCapacitySource) Capacity(_ context.Context, reserveID int64) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.reserves[reserveID]
	if !ok {
		return 0, 0, ErrReserveNotFound
	}
	return info.capacity, info.confirmed, nil
}

// MemoryPriceSource returns configured per-seat prices.
type MemoryPriceSource struct {
	mu     sync.RWMutex
	prices map[int64]int64
}

// NewMemoryPriceSource constructs an empty price source.
func NewMemoryPriceSource() *MemoryPriceSource {
	return &MemoryPriceSource{prices: make(map[int64]int64)}
}

// SetPrice registers the per-seat price for a trip.
func (s *MemoryPriceSource) SetPrice(reserveID int64, cents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[reserveID] = cents
}

// UnitPriceCents implements domain.PriceSource.
func (s *MemoryPriceSource) UnitPriceCents(_ context.Context, reserveID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[reserveID]
	if !ok {
		return 0, ErrReserveNotFound
	}
	return price, nil
}

// PersistedBooking captures one committed PersistPassengers call for
// assertions.
type PersistedBooking struct {
	LockToken string
	Items     []domain.PassengerItem
	Payment   *domain.PaymentInfo
}

// Bookings returns committed bookings (for tests). Bookings written in a
// rolled-back atomic unit never appear here.
func (m *MemoryStore) Bookings() []PersistedBooking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PersistedBooking(nil), m.bookings...)
}
