package cancel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/stretchr/testify/require"
)

func TestSourceCancelIsIdempotent(t *testing.T) {
	s := cancel.NewSource()
	tok := s.Token()
	require.False(t, tok.StopRequested())

	reason := errors.New("boom")
	s.Cancel(reason)
	s.Cancel(errors.New("second call is ignored"))

	require.True(t, tok.StopRequested())
	require.Equal(t, reason, tok.Reason())
}

func TestStopCallbackFiresSynchronouslyOnCancel(t *testing.T) {
	s := cancel.NewSource()
	tok := s.Token()

	var got error
	fired := make(chan struct{})
	tok.StopCallback(func(reason error) {
		got = reason
		close(fired)
	})

	s.Cancel(errors.New("stop"))

	select {
	case <-fired:
	default:
		t.Fatal("callback must fire synchronously within Cancel")
	}
	require.EqualError(t, got, "stop")
}

func TestStopCallbackFiresImmediatelyIfAlreadyCancelled(t *testing.T) {
	s := cancel.NewSource()
	s.Cancel(errors.New("already gone"))

	called := false
	s.Token().StopCallback(func(reason error) {
		called = true
		require.EqualError(t, reason, "already gone")
	})
	require.True(t, called)
}

func TestOrFiresWhenAnyInputFires(t *testing.T) {
	a := cancel.NewSource()
	b := cancel.NewSource()
	combined := cancel.Or(a.Token(), b.Token())

	require.False(t, combined.StopRequested())
	b.Cancel(errors.New("b stopped"))

	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined token should have fired")
	}
	require.True(t, combined.StopRequested())
}

func TestBackgroundNeverFires(t *testing.T) {
	tok := cancel.Background()
	select {
	case <-tok.Done():
		t.Fatal("background token must never fire")
	case <-time.After(10 * time.Millisecond):
	}
}
