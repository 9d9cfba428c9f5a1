package strand

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsTasksInOrder(t *testing.T) {
	s := New()
	defer s.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		s.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestRunSyncReturnsResult(t *testing.T) {
	s := New()
	defer s.Close()

	result, ok := RunSync(s, func() int { return 42 })
	require.True(t, ok)
	require.Equal(t, 42, result)
}

func TestPostAfterCloseDoesNotPanic(t *testing.T) {
	s := New()
	s.Close()
	time.Sleep(10 * time.Millisecond)

	require.NotPanics(t, func() {
		s.Post(func() {})
	})
}

func TestRunSyncAfterCloseReportsNotOK(t *testing.T) {
	s := New()
	s.Close()
	time.Sleep(10 * time.Millisecond)

	_, ok := RunSync(s, func() int { return 1 })
	require.False(t, ok)
}
