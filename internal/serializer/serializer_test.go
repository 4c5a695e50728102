package serializer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// appendOp appends v to a comma separated log held as the state.
func appendOp(v string) Op {
	return func(_ context.Context, current []byte) ([]byte, error) {
		if len(current) == 0 {
			return []byte(v), nil
		}
		return append(current, []byte(","+v)...), nil
	}
}

func TestOpsSeePredecessorState(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Do(ctx, "c1", appendOp(strconv.Itoa(i)))
		require.NoError(t, err)
	}
	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "0,1,2,3,4", string(got))
}

func TestConcurrentOpsAreSerialized(t *testing.T) {
	s := New(NewMemoryStore())
	ctx := context.Background()

	const n = 50
	counter := func(_ context.Context, current []byte) ([]byte, error) {
		v := 0
		if current != nil {
			var err error
			v, err = strconv.Atoi(string(current))
			if err != nil {
				return nil, err
			}
		}
		return []byte(strconv.Itoa(v + 1)), nil
	}

	var wg sync.WaitGroup
	seen := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := s.Do(ctx, "c1", counter)
			if err != nil {
				t.Errorf("do: %v", err)
				return
			}
			v, err := strconv.Atoi(string(state))
			if err != nil {
				t.Errorf("decode state: %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int]bool{}
	for v := range seen {
		require.False(t, unique[v], "value %d committed twice", v)
		unique[v] = true
	}
	require.Len(t, unique, n)
	require.True(t, unique[n])
}

func TestFailingOpCommitsNothing(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	ctx := context.Background()

	_, err := s.Do(ctx, "c1", appendOp("a"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Do(ctx, "c1", func(_ context.Context, current []byte) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	state, err := s.Do(ctx, "c1", appendOp("b"))
	require.NoError(t, err)
	require.Equal(t, "a,b", string(state))
}

func TestNilStateCommitsNothing(t *testing.T) {
	s := New(NewMemoryStore())
	ctx := context.Background()
	_, err := s.Do(ctx, "c1", appendOp("a"))
	require.NoError(t, err)

	state, err := s.Do(ctx, "c1", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, "a", string(state))
}

// blockLane starts an op on conversationID which holds the lane until release
// is closed.
func blockLane(t *testing.T, s *Serializer, conversationID string) (started <-chan struct{}, release chan struct{}, done <-chan error) {
	t.Helper()
	st := make(chan struct{})
	rel := make(chan struct{})
	d := make(chan error, 1)
	go func() {
		_, err := s.Do(context.Background(), conversationID, func(_ context.Context, current []byte) ([]byte, error) {
			close(st)
			<-rel
			return appendOp("first")(context.Background(), current)
		})
		d <- err
	}()
	<-st
	return st, rel, d
}

func TestCloseDropsQueuedOps(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	_, release, firstDone := blockLane(t, s, "c1")

	queued := make(chan error, 1)
	go func() {
		_, err := s.Do(context.Background(), "c1", appendOp("second"))
		queued <- err
	}()
	require.Eventually(t, func() bool { return queueLen(s, "c1") == 1 }, time.Second, time.Millisecond)

	s.Close("c1")
	require.ErrorIs(t, <-queued, ErrConversationClosed)

	close(release)
	require.NoError(t, <-firstDone)
	got, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
}

func TestCanceledWhileQueuedIsDropped(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	_, release, firstDone := blockLane(t, s, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	queued := make(chan error, 1)
	go func() {
		_, err := s.Do(ctx, "c1", func(_ context.Context, current []byte) ([]byte, error) {
			ran = true
			return appendOp("second")(ctx, current)
		})
		queued <- err
	}()
	require.Eventually(t, func() bool { return queueLen(s, "c1") == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-queued, context.Canceled)

	close(release)
	require.NoError(t, <-firstDone)
	_, err := s.Do(context.Background(), "c1", appendOp("third"))
	require.NoError(t, err)
	require.False(t, ran)

	got, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "first,third", string(got))
}

func TestStartedOpCompletesAfterCancel(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Do(ctx, "c1", func(opCtx context.Context, current []byte) ([]byte, error) {
			close(started)
			<-release
			if opCtx.Err() != nil {
				return nil, opCtx.Err()
			}
			return []byte("advanced"), nil
		})
		done <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		got, err := store.Load(context.Background(), "c1")
		return err == nil && string(got) == "advanced"
	}, time.Second, time.Millisecond)
}

func TestLanesRunInParallel(t *testing.T) {
	s := New(NewMemoryStore())
	_, release, firstDone := blockLane(t, s, "slow")

	_, err := s.Do(context.Background(), "fast", appendOp("x"))
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestDeleteRemovesState(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	ctx := context.Background()

	_, err := s.Do(ctx, "c1", appendOp("a"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "c1"))

	_, err = store.Load(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	state, err := s.Do(ctx, "c1", func(_ context.Context, current []byte) ([]byte, error) {
		require.Nil(t, current)
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", string(state))
}

func TestDoWithSaveOverridesPersistence(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	ctx := context.Background()

	refused := errors.New("refused")
	_, err := s.DoWithSave(ctx, "c1", appendOp("a"), func(context.Context, string, []byte) error { return refused })
	require.ErrorIs(t, err, refused)
	_, err = store.Load(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	var saved []byte
	_, err = s.DoWithSave(ctx, "c1", appendOp("b"), func(ctx context.Context, id string, state []byte) error {
		saved = state
		return store.Save(ctx, id, state)
	})
	require.NoError(t, err)
	require.Equal(t, "b", string(saved))
}

func queueLen(s *Serializer, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[id]; ok {
		return len(l.queue)
	}
	return 0
}
