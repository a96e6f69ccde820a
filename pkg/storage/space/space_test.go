package space

import (
	"sync"
	"testing"

	dberror "carrytree/pkg/error"

	"github.com/stretchr/testify/require"
)

func TestReserveConsumeRelease(t *testing.T) {
	p := NewPool(10)

	r, err := p.Reserve(4)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 10, Free: 6, Reserved: 4}, p.Stats())

	require.NoError(t, r.Consume())
	require.EqualValues(t, 3, r.Release())
	require.Zero(t, r.Release(), "second release must not return anything")

	require.Equal(t, Stats{Total: 10, Free: 9, Used: 1}, p.Stats())
}

func TestReserveFailsWithoutSideEffects(t *testing.T) {
	p := NewPool(3)
	_, err := p.Reserve(4)
	require.True(t, dberror.HasCode(err, dberror.CodeOutOfSpace))
	require.Equal(t, Stats{Total: 3, Free: 3}, p.Stats())
}

func TestConsumePastReservation(t *testing.T) {
	p := NewPool(2)
	r, err := p.Reserve(0)
	require.NoError(t, err)

	require.NoError(t, r.Consume())
	require.NoError(t, r.Consume())
	require.True(t, dberror.HasCode(r.Consume(), dberror.CodeOutOfSpace))
	require.EqualValues(t, 2, r.Grabbed())

	r.Release()
	require.Error(t, r.Consume())
	require.Equal(t, Stats{Total: 2, Used: 2}, p.Stats())
}

func TestFreeReturnsBlocks(t *testing.T) {
	p := NewPool(5)
	require.NoError(t, p.Claim())
	require.NoError(t, p.Claim())
	p.Free(1)
	require.Equal(t, Stats{Total: 5, Free: 4, Used: 1}, p.Stats())
}

func TestConcurrentReservationsConserveBlocks(t *testing.T) {
	p := NewPool(1000)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := p.Reserve(3)
				if err != nil {
					continue
				}
				_ = r.Consume()
				r.Release()
				p.Free(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, Stats{Total: 1000, Free: 1000}, p.Stats())
}
