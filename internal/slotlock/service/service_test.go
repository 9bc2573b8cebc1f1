package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/repository"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/service"
)

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *repository.MemoryStore
	capacity *repository.MemoryCapacitySource
	prices   *repository.MemoryPriceSource
	idem     *repository.MemoryIdempotencyStore
	clock    *stubClock
	svc      *service.Service
}

func newFixture(t *testing.T, cfg service.Config) *fixture {
	t.Helper()
	capacity := repository.NewMemoryCapacitySource()
	store := repository.NewMemoryStore(capacity)
	prices := repository.NewMemoryPriceSource()
	idem := repository.NewMemoryIdempotencyStore()
	clock := &stubClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := service.New(store, prices, clock, idem, nil, cfg)
	return &fixture{
		store:    store,
		capacity: capacity,
		prices:   prices,
		idem:     idem,
		clock:    clock,
		svc:      svc,
	}
}

func claimant(email string) domain.Claimant {
	return domain.Claimant{Email: email, DocumentNo: "30111222"}
}

// requireInvariant asserts that locked plus confirmed seats never exceed
// capacity for the given trip, judging expiry by the clock.
func requireInvariant(t *testing.T, f *fixture, reserveID int64, capacity, confirmed int) {
	t.Helper()
	now := f.clock.Now()
	locked := 0
	for _, lock := range f.store.Locks() {
		if !lock.HonorableAt(now) {
			continue
		}
		for _, id := range lock.ReserveIDs() {
			if id == reserveID {
				locked += lock.SlotsLocked
			}
		}
	}
	require.LessOrEqual(t, locked+confirmed, capacity)
}

func TestAcquireLockValidation(t *testing.T) {
	f := newFixture(t, service.Config{})
	same := int64(7)
	negative := int64(-1)

	cases := []struct {
		name string
		req  service.AcquireRequest
	}{
		{"zero outbound", service.AcquireRequest{OutboundReserveID: 0, PassengerCount: 1, Claimant: claimant("a@b.c")}},
		{"negative return", service.AcquireRequest{OutboundReserveID: 7, ReturnReserveID: &negative, PassengerCount: 1, Claimant: claimant("a@b.c")}},
		{"return equals outbound", service.AcquireRequest{OutboundReserveID: 7, ReturnReserveID: &same, PassengerCount: 1, Claimant: claimant("a@b.c")}},
		{"zero passengers", service.AcquireRequest{OutboundReserveID: 7, PassengerCount: 0, Claimant: claimant("a@b.c")}},
		{"too many passengers", service.AcquireRequest{OutboundReserveID: 7, PassengerCount: 51, Claimant: claimant("a@b.c")}},
		{"missing email", service.AcquireRequest{OutboundReserveID: 7, PassengerCount: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AcquireLock(context.Background(), "", tc.req)
			var domainErr *domain.Error
			require.ErrorAs(t, err, &domainErr)
			require.Equal(t, "ReserveSlotLock.ValidationFailed", domainErr.Code)
			// Validation must reject before any lock is stored.
			require.Empty(t, f.store.Locks())
		})
	}
}

func TestAcquireLockGrantsTokenAndExpiry(t *testing.T) {
	f := newFixture(t, service.Config{LockTimeout: 10 * time.Minute})
	f.capacity.SetReserve(1, 40, 0)

	resp, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    3,
		Claimant:          claimant("rider@example.com"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.LockToken)
	require.Equal(t, 10, resp.TimeoutMinutes)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), resp.ExpiresAt)

	lock, err := f.svc.GetLock(context.Background(), resp.LockToken)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, lock.Status)
	require.Equal(t, 3, lock.SlotsLocked)
	require.Equal(t, "rider@example.com", lock.Claimant.Email)

	events := f.store.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventLockAcquired, events[0].Type)
}

func TestExactAdmissionCount(t *testing.T) {
	// Capacity 10, 8 confirmed: two seats remain. Five concurrent one-seat
	// claims must yield exactly two grants and three InsufficientSlots.
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 10, 8)

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
				OutboundReserveID: 1,
				PassengerCount:    1,
				Claimant:          claimant("rider@example.com"),
			})
		}(i)
	}
	wg.Wait()

	granted, rejected := 0, 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		var domainErr *domain.Error
		require.ErrorAs(t, err, &domainErr)
		require.Equal(t, "ReserveSlotLock.InsufficientSlots", domainErr.Code)
		rejected++
	}
	require.Equal(t, 2, granted)
	require.Equal(t, 3, rejected)
	requireInvariant(t, f, 1, 10, 8)
}

func TestHighLoadAdmission(t *testing.T) {
	f := newFixture(t, service.Config{MaxLocksPerUser: 100})
	f.capacity.SetReserve(1, 30, 28)

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
				OutboundReserveID: 1,
				PassengerCount:    1,
				Claimant:          claimant("crowd@example.com"),
			})
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
		}
	}
	require.LessOrEqual(t, granted, 2)
	require.GreaterOrEqual(t, callers-granted, 18)

	active := 0
	now := f.clock.Now()
	for _, lock := range f.store.Locks() {
		if lock.HonorableAt(now) {
			active++
		}
	}
	require.LessOrEqual(t, active, 2)
	requireInvariant(t, f, 1, 30, 28)
}

func TestTokenUniqueness(t *testing.T) {
	f := newFixture(t, service.Config{MaxLocksPerUser: 100})
	f.capacity.SetReserve(1, 200, 0)

	const callers = 50
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
				OutboundReserveID: 1,
				PassengerCount:    1,
				Claimant:          claimant("many@example.com"),
			})
			require.NoError(t, err)
			tokens[i] = resp.LockToken
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, callers)
	for _, token := range tokens {
		_, dup := seen[token]
		require.False(t, dup, "token issued twice: %s", token)
		seen[token] = struct{}{}
	}
}

func TestRoundTripAllOrNothing(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 40, 0)
	f.capacity.SetReserve(2, 10, 10) // return leg is full

	ret := int64(2)
	_, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		ReturnReserveID:   &ret,
		PassengerCount:    2,
		Claimant:          claimant("pair@example.com"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientSlots)
	// No lock may exist for either leg.
	require.Empty(t, f.store.Locks())
}

func TestRoundTripLocksBothLegs(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 4, 0)
	f.capacity.SetReserve(2, 4, 0)

	ret := int64(2)
	resp, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		ReturnReserveID:   &ret,
		PassengerCount:    3,
		Claimant:          claimant("pair@example.com"),
	})
	require.NoError(t, err)

	// Both legs now have a single seat left; a two-seat claim fails on each.
	for _, leg := range []int64{1, 2} {
		_, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
			OutboundReserveID: leg,
			PassengerCount:    2,
			Claimant:          claimant("other@example.com"),
		})
		require.ErrorIs(t, err, domain.ErrInsufficientSlots)
	}

	lock, err := f.svc.GetLock(context.Background(), resp.LockToken)
	require.NoError(t, err)
	require.NotNil(t, lock.ReturnReserveID)
	require.Equal(t, int64(2), *lock.ReturnReserveID)
}

func TestMaxSimultaneousLocksPerClaimant(t *testing.T) {
	f := newFixture(t, service.Config{MaxLocksPerUser: 2})
	f.capacity.SetReserve(1, 100, 0)

	for i := 0; i < 2; i++ {
		_, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
			OutboundReserveID: 1,
			PassengerCount:    1,
			Claimant:          claimant("greedy@example.com"),
		})
		require.NoError(t, err)
	}
	_, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("greedy@example.com"),
	})
	require.ErrorIs(t, err, domain.ErrMaxSimultaneousLocks)

	// A different claimant is not affected.
	_, err = f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("modest@example.com"),
	})
	require.NoError(t, err)
}

func TestExpiredLocksFreeCapacityBeforeSweep(t *testing.T) {
	f := newFixture(t, service.Config{LockTimeout: 5 * time.Minute})
	f.capacity.SetReserve(1, 10, 9) // one seat left

	first, err := f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("early@example.com"),
	})
	require.NoError(t, err)

	// Seat is held: a second claim fails.
	_, err = f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("late@example.com"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientSlots)

	// Past expiry the stale lock stops counting even though the sweeper has
	// not flipped its status yet.
	f.clock.Advance(6 * time.Minute)
	lock, err := f.svc.GetLock(context.Background(), first.LockToken)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, lock.Status)

	_, err = f.svc.AcquireLock(context.Background(), "", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("late@example.com"),
	})
	require.NoError(t, err)
	requireInvariant(t, f, 1, 10, 9)
}

func TestAcquireIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 10, 0)

	req := service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    2,
		Claimant:          claimant("retry@example.com"),
	}
	first, err := f.svc.AcquireLock(context.Background(), "key-1", req)
	require.NoError(t, err)
	second, err := f.svc.AcquireLock(context.Background(), "key-1", req)
	require.NoError(t, err)
	require.Equal(t, first.LockToken, second.LockToken)
	require.Len(t, f.store.Locks(), 1)
}

func TestAcquireIdempotencyKeyInFlightRejected(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 10, 0)

	// Another request owns the key and has not resolved it yet.
	won, err := f.idem.Reserve(context.Background(), "key-1")
	require.NoError(t, err)
	require.True(t, won)

	_, err = f.svc.AcquireLock(context.Background(), "key-1", service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("retry@example.com"),
	})
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	require.Empty(t, f.store.Locks())
}

func TestAcquireIdempotencyKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.capacity.SetReserve(1, 10, 10) // full

	req := service.AcquireRequest{
		OutboundReserveID: 1,
		PassengerCount:    1,
		Claimant:          claimant("retry@example.com"),
	}
	_, err := f.svc.AcquireLock(context.Background(), "key-1", req)
	require.ErrorIs(t, err, domain.ErrInsufficientSlots)

	// The failed attempt must not pin the key: once a seat frees up the
	// same key admits a fresh claim.
	f.capacity.SetReserve(1, 10, 9)
	_, err = f.svc.AcquireLock(context.Background(), "key-1", req)
	require.NoError(t, err)
	require.Len(t, f.store.Locks(), 1)
}

func TestConcurrentAcquiresSameKeyCreateOneLock(t *testing.T) {
	f := newFixture(t, service.Config{MaxLocksPerUser: 100})
	f.capacity.SetReserve(1, 100, 0)

	const callers = 10
	results := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.AcquireLock(context.Background(), "shared-key", service.AcquireRequest{
				OutboundReserveID: 1,
				PassengerCount:    1,
				Claimant:          claimant("racer@example.com"),
			})
		}(i)
	}
	wg.Wait()

	// Exactly one caller wins the key reservation and creates the lock;
	// the rest replay its response or are told a duplicate is in flight.
	require.Len(t, f.store.Locks(), 1)
	for _, err := range results {
		if err != nil {
			require.ErrorIs(t, err, domain.ErrDuplicateRequest)
		}
	}
}
