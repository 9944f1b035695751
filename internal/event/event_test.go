package event_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/rsyncjob/internal/event"

	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	t.Parallel()
	ch := event.NewChannel()
	require.True(t, ch.IsEmpty())

	ch.Put(event.Stdout("job", "one"))
	ch.Put(event.Stderr("job", "oops"))
	ch.Put(event.Stdout("job", "two"))
	require.False(t, ch.IsEmpty())
	require.Equal(t, 3, ch.Len())

	var got []string
	for range 3 {
		e, err := ch.Get(t.Context(), time.Second)
		require.NoError(t, err)
		require.Equal(t, "job", e.JobID)
		require.NotZero(t, e.Time)
		got = append(got, e.Kind.String()+":"+e.Line)
	}
	require.Equal(t, []string{"stdout:one", "stderr:oops", "stdout:two"}, got)
	require.True(t, ch.IsEmpty())
}

func TestGetTimeout(t *testing.T) {
	t.Parallel()
	ch := event.NewChannel()

	start := time.Now()
	_, err := ch.Get(t.Context(), 50*time.Millisecond)
	require.ErrorIs(t, err, event.ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = ch.Get(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetBlocksUntilPut(t *testing.T) {
	t.Parallel()
	ch := event.NewChannel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Put(event.Finished("job", 23))
	}()

	e, err := ch.Get(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, event.KindFinished, e.Kind)
	require.Equal(t, 23, e.Code)
}

func TestClose(t *testing.T) {
	t.Parallel()
	ch := event.NewChannel()
	ch.Put(event.Stdout("job", "last"))
	ch.Close()
	ch.Close()
	ch.Put(event.Stdout("job", "dropped"))

	e, err := ch.Get(t.Context(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "last", e.Line)

	_, err = ch.Get(t.Context(), time.Second)
	require.ErrorIs(t, err, event.ErrClosed)
}

func TestAll(t *testing.T) {
	t.Parallel()
	ch := event.NewChannel()
	ch.Put(event.Stdout("job", "a"))
	ch.Put(event.Stdout("job", "b"))
	ch.Put(event.Finished("job", 0))
	ch.Put(event.Stdout("job", "after finish"))

	var kinds []event.Kind
	for e := range ch.All(t.Context()) {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []event.Kind{event.KindStdout, event.KindStdout, event.KindFinished}, kinds)
	require.Equal(t, 1, ch.Len())
}

func TestConcurrentConsumers(t *testing.T) {
	t.Parallel()
	const n = 1000
	ch := event.NewChannel()

	var mx sync.Mutex
	seen := make(map[string]int, n)
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for {
				e, err := ch.Get(t.Context(), 0)
				if err != nil {
					return
				}
				mx.Lock()
				seen[e.Line]++
				mx.Unlock()
			}
		})
	}

	for i := range n {
		ch.Put(event.Stdout("job", strconv.Itoa(i)))
	}
	ch.Close()
	wg.Wait()

	require.Len(t, seen, n)
	for line, count := range seen {
		require.Equal(t, 1, count, line)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "unknown", event.Kind(0).String())
	require.Equal(t, "finished", event.KindFinished.String())
}
