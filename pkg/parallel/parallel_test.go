package parallel

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkersDefault(t *testing.T) {
	SetWorkers(0)
	assert.Equal(t, runtime.GOMAXPROCS(0), Workers())

	SetWorkers(-3)
	assert.Equal(t, runtime.GOMAXPROCS(0), Workers())
}

func TestSetWorkers(t *testing.T) {
	t.Cleanup(func() { SetWorkers(0) })

	SetWorkers(3)
	assert.Equal(t, 3, Workers())
}

func TestSlicesVisitsEveryIndexOnce(t *testing.T) {
	t.Cleanup(func() { SetWorkers(0) })

	for _, w := range []int{1, 2, 8} {
		SetWorkers(w)
		counts := make([]int32, 37)

		err := Slices(len(counts), func(i int) error {
			atomic.AddInt32(&counts[i], 1)
			return nil
		})
		require.NoError(t, err)

		for i, c := range counts {
			assert.Equal(t, int32(1), c, "index %d with %d workers", i, w)
		}
	}
}

func TestSlicesReturnsError(t *testing.T) {
	t.Cleanup(func() { SetWorkers(0) })
	SetWorkers(4)

	boom := errors.New("boom")
	err := Slices(10, func(i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestSlicesEmpty(t *testing.T) {
	called := false
	require.NoError(t, Slices(0, func(int) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}
