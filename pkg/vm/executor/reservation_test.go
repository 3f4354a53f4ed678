package executor

import (
	"testing"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/require"
)

func TestNilReservationReturnsActualBalance(t *testing.T) {
	var r *Reservation
	require.Equal(t, big.NewInt(100), r.FreeBalance(1, big.NewInt(100)))
}

func TestReservationReducesFreeBalanceBySender(t *testing.T) {
	r := NewReservation([]PlannedGasCost{
		{Sender: 1, GasCost: big.NewInt(30)},
		{Sender: 1, GasCost: big.NewInt(20)},
		{Sender: 2, GasCost: big.NewInt(5)},
	})

	require.Equal(t, big.NewInt(50), r.FreeBalance(1, big.NewInt(100)))
	require.Equal(t, big.NewInt(95), r.FreeBalance(2, big.NewInt(100)))
	require.Equal(t, big.NewInt(100), r.FreeBalance(3, big.NewInt(100)))
}

func TestReservationFreeBalanceFloorsAtZero(t *testing.T) {
	r := NewReservation([]PlannedGasCost{{Sender: 1, GasCost: big.NewInt(1000)}})
	require.True(t, r.FreeBalance(1, big.NewInt(100)).IsZero())
}

func TestReleaseLowersReservedAmount(t *testing.T) {
	r := NewReservation([]PlannedGasCost{{Sender: 1, GasCost: big.NewInt(50)}})
	require.Equal(t, big.NewInt(50), r.FreeBalance(1, big.NewInt(100)))

	r.Release(1, big.NewInt(30))
	require.Equal(t, big.NewInt(80), r.FreeBalance(1, big.NewInt(100)))
}

func TestReleaseOnUnplannedSenderIsNoop(t *testing.T) {
	r := NewReservation(nil)
	r.Release(7, big.NewInt(10))
	require.Equal(t, big.NewInt(100), r.FreeBalance(7, big.NewInt(100)))
}

func TestNilReservationReleaseIsNoop(t *testing.T) {
	var r *Reservation
	r.Release(1, big.NewInt(10))
	require.Equal(t, big.NewInt(100), r.FreeBalance(1, big.NewInt(100)))
}
