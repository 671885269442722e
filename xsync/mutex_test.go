package xsync_test

import (
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
	"github.com/joeycumines/go-netloop/xsync"
	"github.com/stretchr/testify/require"
)

func TestMutexFIFOOrdering(t *testing.T) {
	var m xsync.Mutex
	bg := cancel.Background()

	g, err := m.Lock(bg)
	require.NoError(t, err)

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger acquisition attempts so queue order is deterministic.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			g2, err := m.Lock(bg)
			require.NoError(t, err)
			order <- i
			g2.Release()
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	g.Release()
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestMutexCancelledWaiterDoesNotUnblockOthers(t *testing.T) {
	var m xsync.Mutex
	bg := cancel.Background()
	g, err := m.Lock(bg)
	require.NoError(t, err)

	src := cancel.NewSource()
	done := make(chan error, 1)
	go func() {
		_, err := m.Lock(src.Token())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	src.Cancel(nil)

	select {
	case err := <-done:
		require.ErrorIs(t, err, neterr.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The cancellation must not have released the mutex: a later waiter
	// stays blocked until the holder itself releases.
	acquired := make(chan struct{})
	go func() {
		g2, err := m.Lock(bg)
		require.NoError(t, err)
		close(acquired)
		g2.Release()
	}()
	select {
	case <-acquired:
		t.Fatal("waiter acquired the mutex while it was still held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex after release")
	}
}
