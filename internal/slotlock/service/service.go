package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
)

const maxPassengersPerLock = 50

// Config holds the slot-lock tunables surfaced through configuration.
type Config struct {
	LockTimeout     time.Duration
	CleanupInterval time.Duration
	MaxLocksPerUser int
	MaxAttempts     int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxLocksPerUser <= 0 {
		c.MaxLocksPerUser = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	return c
}

// Service coordinates slot-lock acquisition, finalization, cancellation and
// expiry sweeping. All shared state lives behind the Store; the service
// itself is safe for concurrent use.
type Service struct {
	store      domain.Store
	prices     domain.PriceSource
	clock      domain.Clock
	idempotent domain.IdempotencyStore
	logger     *zap.Logger
	cfg        Config
	tracer     trace.Tracer
}

// New constructs a Service with the required collaborators.
func New(store domain.Store, prices domain.PriceSource, clock domain.Clock, idem domain.IdempotencyStore, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		prices:     prices,
		clock:      clock,
		idempotent: idem,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("slotlock.service"),
	}
}

// AcquireRequest is the payload for a lock claim.
type AcquireRequest struct {
	OutboundReserveID int64
	ReturnReserveID   *int64
	PassengerCount    int
	Claimant          domain.Claimant
}

// AcquireResponse returns the client-facing handle for a granted lock.
type AcquireResponse struct {
	LockToken      string    `json:"lock_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	TimeoutMinutes int       `json:"timeout_minutes"`
}

// AcquireLock admits or rejects a seat claim. The capacity read and the lock
// insert run in one atomic unit; a detected write conflict restarts the whole
// check-and-create a bounded number of times.
func (s *Service) AcquireLock(ctx context.Context, idempotencyKey string, req AcquireRequest) (AcquireResponse, error) {
	ctx, span := s.tracer.Start(ctx, "slotlock.acquire")
	defer span.End()

	if err := validateAcquire(req); err != nil {
		return AcquireResponse{}, err
	}

	reservedKey := false
	if idempotencyKey != "" && s.idempotent != nil {
		if resp, ok := s.cachedResponse(ctx, idempotencyKey); ok {
			return resp, nil
		}
		won, err := s.idempotent.Reserve(ctx, idempotencyKey)
		if err == nil && !won {
			// Lost the key: the winner's response may have landed between
			// the read and the reservation attempt.
			if resp, ok := s.cachedResponse(ctx, idempotencyKey); ok {
				return resp, nil
			}
			return AcquireResponse{}, domain.ErrDuplicateRequest
		}
		reservedKey = err == nil
	}

	var created domain.SlotLock
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.store.Atomically(ctx, func(tx domain.TxStore) error {
			now := s.clock.Now()
			for _, reserveID := range reserveLegs(req) {
				usage, err := tx.UsageFor(reserveID, now, 0)
				if err != nil {
					return fmt.Errorf("usage for reserve %d: %w", reserveID, err)
				}
				if req.PassengerCount > usage.Remaining() {
					return domain.ErrInsufficientSlots
				}
			}
			held, err := tx.CountActiveByEmail(req.Claimant.Email, now)
			if err != nil {
				return fmt.Errorf("count active locks: %w", err)
			}
			if held >= s.cfg.MaxLocksPerUser {
				return domain.ErrMaxSimultaneousLocks
			}

			lock := domain.SlotLock{
				LockToken:         uuid.NewString(),
				OutboundReserveID: req.OutboundReserveID,
				ReturnReserveID:   req.ReturnReserveID,
				SlotsLocked:       req.PassengerCount,
				ExpiresAt:         now.Add(s.cfg.LockTimeout),
				Status:            domain.StatusActive,
				VersionToken:      domain.NewVersionToken(),
				Claimant:          req.Claimant,
				CreatedBy:         req.Claimant.Email,
				CreatedAt:         now,
				UpdatedBy:         req.Claimant.Email,
				UpdatedAt:         now,
			}
			created, err = tx.Insert(lock)
			if err != nil {
				return fmt.Errorf("insert lock: %w", err)
			}
			return tx.AppendEvent(domain.LockEvent{
				LockToken: created.LockToken,
				Type:      domain.EventLockAcquired,
				Payload: map[string]any{
					"outbound_reserve_id": created.OutboundReserveID,
					"slots_locked":        created.SlotsLocked,
					"expires_at":          created.ExpiresAt.Format(time.RFC3339),
				},
				CreatedAt: now,
			})
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			acquireTotal.WithLabelValues("conflict").Inc()
			if waitErr := s.backoff(ctx, attempt); waitErr != nil {
				s.releaseKey(ctx, idempotencyKey, reservedKey)
				return AcquireResponse{}, waitErr
			}
			continue
		}
		if err != nil {
			acquireTotal.WithLabelValues("rejected").Inc()
			s.releaseKey(ctx, idempotencyKey, reservedKey)
			return AcquireResponse{}, err
		}

		resp := AcquireResponse{
			LockToken:      created.LockToken,
			ExpiresAt:      created.ExpiresAt,
			TimeoutMinutes: int(s.cfg.LockTimeout / time.Minute),
		}
		if reservedKey {
			if payload, err := json.Marshal(resp); err == nil {
				_ = s.idempotent.PutResponse(ctx, idempotencyKey, payload)
			}
		}
		acquireTotal.WithLabelValues("granted").Inc()
		return resp, nil
	}
	acquireTotal.WithLabelValues("retry_exhausted").Inc()
	s.releaseKey(ctx, idempotencyKey, reservedKey)
	return AcquireResponse{}, domain.ErrConflictRetryExhausted
}

func (s *Service) cachedResponse(ctx context.Context, key string) (AcquireResponse, bool) {
	cached, ok, err := s.idempotent.GetResponse(ctx, key)
	if err != nil || !ok {
		return AcquireResponse{}, false
	}
	var resp AcquireResponse
	if err := json.Unmarshal(cached, &resp); err != nil {
		return AcquireResponse{}, false
	}
	return resp, true
}

// releaseKey frees a reserved idempotency key after a failed acquire so the
// client's retry is not locked out.
func (s *Service) releaseKey(ctx context.Context, key string, reserved bool) {
	if !reserved {
		return
	}
	if err := s.idempotent.Release(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// FinalizeRequest converts a held lock into confirmed passengers.
type FinalizeRequest struct {
	LockToken string
	Items     []domain.PassengerItem
	Payment   *domain.PaymentInfo
}

// Finalize validates and consumes a lock atomically. Whichever of finalize
// and sweep commits its transition first wins; the loser observes a version
// conflict, and the retry re-reads the lock so the caller gets the proper
// taxonomy failure rather than a raw conflict.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) error {
	ctx, span := s.tracer.Start(ctx, "slotlock.finalize")
	defer span.End()

	if req.LockToken == "" {
		return domain.ValidationError("lock token is required")
	}
	if len(req.Items) == 0 {
		return domain.ValidationError("at least one passenger item is required")
	}
	for _, item := range req.Items {
		if item.ReserveID <= 0 {
			return domain.ValidationError("passenger item reserve id must be positive")
		}
		if item.FullName == "" || item.DocumentNo == "" {
			return domain.ValidationError("passenger item requires full name and document")
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.store.Atomically(ctx, func(tx domain.TxStore) error {
			return s.finalizeOnce(ctx, tx, req)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			if waitErr := s.backoff(ctx, attempt); waitErr != nil {
				return waitErr
			}
			continue
		}
		if err != nil {
			finalizeTotal.WithLabelValues("rejected").Inc()
			return err
		}
		finalizeTotal.WithLabelValues("converted").Inc()
		return nil
	}
	s.logger.Warn("finalize kept conflicting", zap.String("lock_token", req.LockToken), zap.Error(lastErr))
	finalizeTotal.WithLabelValues("retry_exhausted").Inc()
	return domain.ErrConflictRetryExhausted
}

func (s *Service) finalizeOnce(ctx context.Context, tx domain.TxStore, req FinalizeRequest) error {
	lock, err := tx.GetByToken(req.LockToken)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := honorable(lock, now); err != nil {
		return err
	}

	perLeg, err := groupItemsByLeg(lock, req.Items)
	if err != nil {
		return err
	}
	for _, items := range perLeg {
		if len(items) != lock.SlotsLocked {
			return domain.ValidationError("passenger item count must equal locked slots")
		}
	}

	if req.Payment != nil {
		expected, err := s.expectedTotal(ctx, lock)
		if err != nil {
			return fmt.Errorf("price lookup: %w", err)
		}
		if req.Payment.AmountCents != expected {
			return domain.ErrPaymentAmountMismatch
		}
	}

	// Passenger, customer and payment writes share the lock's atomic unit:
	// a failed transition below rolls them back, and a retried unit starts
	// from a clean slate.
	for _, item := range req.Items {
		if _, err := tx.EnsureCustomer(item.FullName, item.DocumentNo, item.Email); err != nil {
			return fmt.Errorf("ensure customer %q: %w", item.DocumentNo, err)
		}
	}
	if err := tx.PersistPassengers(lock, req.Items, req.Payment); err != nil {
		return fmt.Errorf("persist passengers: %w", err)
	}

	if _, err := tx.UpdateStatus(lock.ID, lock.VersionToken, domain.StatusUsed, lock.Claimant.Email, now); err != nil {
		return err
	}
	return tx.AppendEvent(domain.LockEvent{
		LockToken: lock.LockToken,
		Type:      domain.EventLockFinalized,
		Payload: map[string]any{
			"slots_locked": lock.SlotsLocked,
			"reserve_ids":  lock.ReserveIDs(),
		},
		CreatedAt: now,
	})
}

// Cancel releases an active lock at the claimant's request.
func (s *Service) Cancel(ctx context.Context, lockToken, claimantEmail string) error {
	if lockToken == "" {
		return domain.ValidationError("lock token is required")
	}
	return s.store.Atomically(ctx, func(tx domain.TxStore) error {
		lock, err := tx.GetByToken(lockToken)
		if err != nil {
			return err
		}
		if lock.Claimant.Email != claimantEmail {
			// Do not leak foreign tokens' existence.
			return domain.ErrLockNotFound
		}
		now := s.clock.Now()
		if err := honorable(lock, now); err != nil {
			return err
		}
		if _, err := tx.UpdateStatus(lock.ID, lock.VersionToken, domain.StatusCancelled, claimantEmail, now); err != nil {
			return err
		}
		return tx.AppendEvent(domain.LockEvent{
			LockToken: lock.LockToken,
			Type:      domain.EventLockCancelled,
			Payload:   map[string]any{"slots_locked": lock.SlotsLocked},
			CreatedAt: now,
		})
	})
}

// GetLock returns the lock for the given token, for client countdowns.
func (s *Service) GetLock(ctx context.Context, lockToken string) (domain.SlotLock, error) {
	return s.store.GetByToken(ctx, lockToken)
}

// SweepExpired flips every stale Active lock to Expired and reports how many
// it transitioned. A lock that lost its conditional update raced with a
// concurrent finalize or sweep and is skipped, so the operation is idempotent
// and safe to run concurrently with itself.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "slotlock.sweep")
	defer span.End()

	now := s.clock.Now()
	stale, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}
	expired := 0
	for _, lock := range stale {
		err := s.store.Atomically(ctx, func(tx domain.TxStore) error {
			if _, err := tx.UpdateStatus(lock.ID, lock.VersionToken, domain.StatusExpired, "sweeper", now); err != nil {
				return err
			}
			return tx.AppendEvent(domain.LockEvent{
				LockToken: lock.LockToken,
				Type:      domain.EventLockExpired,
				Payload:   map[string]any{"slots_locked": lock.SlotsLocked},
				CreatedAt: now,
			})
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrVersionConflict):
			// Already handled by a concurrent finalize or sweep.
		default:
			return expired, fmt.Errorf("expire lock %s: %w", lock.LockToken, err)
		}
	}
	return expired, nil
}

func (s *Service) expectedTotal(ctx context.Context, lock domain.SlotLock) (int64, error) {
	var total int64
	for _, reserveID := range lock.ReserveIDs() {
		unit, err := s.prices.UnitPriceCents(ctx, reserveID)
		if err != nil {
			return 0, err
		}
		total += unit * int64(lock.SlotsLocked)
	}
	return total, nil
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateAcquire(req AcquireRequest) error {
	if req.OutboundReserveID <= 0 {
		return domain.ValidationError("outbound reserve id must be positive")
	}
	if req.ReturnReserveID != nil {
		if *req.ReturnReserveID <= 0 {
			return domain.ValidationError("return reserve id must be positive")
		}
		if *req.ReturnReserveID == req.OutboundReserveID {
			return domain.ValidationError("return reserve must differ from outbound")
		}
	}
	if req.PassengerCount < 1 || req.PassengerCount > maxPassengersPerLock {
		return domain.ValidationError(fmt.Sprintf("passenger count must be between 1 and %d", maxPassengersPerLock))
	}
	if req.Claimant.Email == "" {
		return domain.ValidationError("claimant email is required")
	}
	return nil
}

func reserveLegs(req AcquireRequest) []int64 {
	legs := []int64{req.OutboundReserveID}
	if req.ReturnReserveID != nil {
		legs = append(legs, *req.ReturnReserveID)
	}
	return legs
}

// honorable maps a lock's state to the taxonomy failure a consumer of the
// token should see, or nil when the lock can still be transitioned.
func honorable(lock domain.SlotLock, now time.Time) error {
	switch lock.Status {
	case domain.StatusUsed:
		return domain.ErrLockAlreadyUsed
	case domain.StatusExpired:
		return domain.LockExpired(lock.ExpiresAt)
	case domain.StatusCancelled:
		return domain.ErrInvalidOrExpiredLock
	case domain.StatusActive:
		if !lock.ExpiresAt.After(now) {
			return domain.LockExpired(lock.ExpiresAt)
		}
		return nil
	default:
		return domain.ErrInvalidOrExpiredLock
	}
}

// groupItemsByLeg buckets passenger items by trip and enforces that the item
// trip set exactly matches the lock's legs.
func groupItemsByLeg(lock domain.SlotLock, items []domain.PassengerItem) (map[int64][]domain.PassengerItem, error) {
	legs := make(map[int64]bool, 2)
	for _, id := range lock.ReserveIDs() {
		legs[id] = true
	}
	perLeg := make(map[int64][]domain.PassengerItem, len(legs))
	for _, item := range items {
		if !legs[item.ReserveID] {
			return nil, domain.ErrLockReserveMismatch
		}
		perLeg[item.ReserveID] = append(perLeg[item.ReserveID], item)
	}
	if len(perLeg) != len(legs) {
		return nil, domain.ErrLockReserveMismatch
	}
	return perLeg, nil
}
