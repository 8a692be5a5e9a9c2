package unbounded

import (
	"slices"
	"testing"
	"time"

	"github.com/alonexy/chanplug/components/channel"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSendRecvInOrder(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()
	require.NoError(t, tx.Send(1))
	require.NoError(t, tx.Send(2))

	v, ok := rx.Recv()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = rx.Recv()
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.NoError(t, tx.Close())
}

func TestRecvOnEmptyExhaustedChannel(t *testing.T) {
	tx, rx := New[struct{}]()
	defer rx.Close()
	require.NoError(t, tx.Close())
	_, ok := rx.Recv()
	require.False(t, ok)
	_, ok = rx.Recv()
	require.False(t, ok)
}

func TestSendAfterReceiverClose(t *testing.T) {
	tx, rx := New[int]()
	defer tx.Close()
	require.NoError(t, rx.Close())

	err := tx.Send(1)
	require.ErrorIs(t, err, channel.ErrClosed)
	v, ok := channel.Rejected[int](err)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRecvWaitsForSender(t *testing.T) {
	tx, rx := New[string]()
	defer rx.Close()

	done := make(chan string, 1)
	go func() {
		v, _ := rx.Recv()
		done <- v
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Send("late"))
	require.Equal(t, "late", <-done)
	require.NoError(t, tx.Close())
}

func TestLastSenderCloseWakesRecv(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()

	done := make(chan bool, 1)
	go func() {
		_, ok := rx.Recv()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Close())
	require.False(t, <-done)
}

func TestLocalBufferKeepsOrder(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Send(i))
	}

	// The first Recv moves 1..4 into the local buffer.
	v, ok := rx.Recv()
	require.True(t, ok)
	require.Equal(t, 0, v)

	require.NoError(t, tx.Send(5))
	v, err := rx.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, tx.Close())
	require.Equal(t, []int{2, 3, 4, 5}, slices.Collect(rx.All()))
}

func TestTryRecv(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()

	_, err := rx.TryRecv()
	require.ErrorIs(t, err, channel.ErrEmpty)
	require.NoError(t, tx.Send(3))
	v, err := rx.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 3, v)

	require.NoError(t, tx.Close())
	_, err = rx.TryRecv()
	require.ErrorIs(t, err, channel.ErrExhausted)
}

func TestDrainDoesNotWait(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()
	defer tx.Close()
	require.NoError(t, tx.Send(1))
	require.NoError(t, tx.Send(2))

	require.Equal(t, []int{1, 2}, slices.Collect(rx.Drain()))
	require.Empty(t, slices.Collect(rx.Drain()))
}

func TestManyProducers(t *testing.T) {
	tx, rx := New[int]()
	defer rx.Close()

	var g errgroup.Group
	for p := 0; p < 8; p++ {
		sender := tx.Clone()
		g.Go(func() error {
			defer sender.Close()
			for i := 1; i <= 1000; i++ {
				if err := sender.Send(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, tx.Close())

	sum, count := 0, 0
	for v := range rx.All() {
		sum += v
		count++
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 8000, count)
	require.Equal(t, 8*500500, sum)
}

func TestReceiverCloseDropsQueuedValues(t *testing.T) {
	tx, rx := New[int]()
	defer tx.Close()
	require.NoError(t, tx.Send(1))
	require.NoError(t, rx.Close())
	require.NoError(t, rx.Close())

	_, ok := rx.Recv()
	require.False(t, ok)
	_, err := rx.TryRecv()
	require.ErrorIs(t, err, channel.ErrHandleClosed)
}
