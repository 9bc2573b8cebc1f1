package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from domain.LockStatus
		to   domain.LockStatus
		ok   bool
	}{
		{domain.StatusActive, domain.StatusUsed, true},
		{domain.StatusActive, domain.StatusExpired, true},
		{domain.StatusActive, domain.StatusCancelled, true},
		{domain.StatusUsed, domain.StatusExpired, false},
		{domain.StatusUsed, domain.StatusActive, false},
		{domain.StatusExpired, domain.StatusUsed, false},
		{domain.StatusExpired, domain.StatusActive, false},
		{domain.StatusCancelled, domain.StatusUsed, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.False(t, domain.StatusActive.Terminal())
	for _, status := range []domain.LockStatus{domain.StatusUsed, domain.StatusExpired, domain.StatusCancelled} {
		require.True(t, status.Terminal(), string(status))
	}
}

func TestHonorableAtJudgesExpiryByTime(t *testing.T) {
	now := time.Now()
	lock := domain.SlotLock{Status: domain.StatusActive, ExpiresAt: now.Add(time.Minute)}
	require.True(t, lock.HonorableAt(now))
	// Still marked Active but past its deadline.
	require.False(t, lock.HonorableAt(now.Add(2*time.Minute)))

	lock.Status = domain.StatusUsed
	require.False(t, lock.HonorableAt(now))
}

func TestReserveIDsOrdersOutboundFirst(t *testing.T) {
	oneWay := domain.SlotLock{OutboundReserveID: 7}
	require.Equal(t, []int64{7}, oneWay.ReserveIDs())

	ret := int64(9)
	roundTrip := domain.SlotLock{OutboundReserveID: 7, ReturnReserveID: &ret}
	require.Equal(t, []int64{7, 9}, roundTrip.ReserveIDs())
}

func TestErrorMatchingByCode(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", domain.ErrInsufficientSlots)
	require.ErrorIs(t, wrapped, domain.ErrInsufficientSlots)
	require.NotErrorIs(t, wrapped, domain.ErrLockNotFound)

	var domainErr *domain.Error
	require.True(t, errors.As(wrapped, &domainErr))
	require.Equal(t, "ReserveSlotLock.InsufficientSlots", domainErr.Code)

	// Expiry failures built at different instants share one code.
	a := domain.LockExpired(time.Now())
	b := domain.LockExpired(time.Now().Add(time.Hour))
	require.ErrorIs(t, a, b)
}

func TestRemainingNeverBelowZero(t *testing.T) {
	usage := domain.ReserveUsage{Capacity: 10, ConfirmedPax: 8, ActiveLockedSlots: 1}
	require.Equal(t, 1, usage.Remaining())

	oversold := domain.ReserveUsage{Capacity: 10, ConfirmedPax: 9, ActiveLockedSlots: 3}
	require.Equal(t, 0, oversold.Remaining())
}
