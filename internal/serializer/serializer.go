// Package serializer funnels every state-mutating operation of a conversation
// through a single FIFO lane. Lanes of different conversations run in
// parallel.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"e2ee-session/internal/observability/metrics"
)

var ErrConversationClosed = errors.New("serializer: conversation closed")

// Op computes the next state from the current one. current is nil when the
// conversation has no state. Returning a nil state commits nothing.
type Op func(ctx context.Context, current []byte) ([]byte, error)

// SaveFunc persists a state produced by an Op.
type SaveFunc func(ctx context.Context, conversationID string, state []byte) error

type Serializer struct {
	store StateStore
	log   *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

type Option func(*Serializer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) {
		if l != nil {
			s.log = l
		}
	}
}

func New(store StateStore, opts ...Option) *Serializer {
	s := &Serializer{store: store, log: slog.Default(), lanes: make(map[string]*lane)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type lane struct {
	id    string
	queue []*task
}

type task struct {
	ctx    context.Context
	op     Op
	save   SaveFunc
	delete bool

	started bool
	done    chan result
}

type result struct {
	state []byte
	err   error
}

// Do runs op after every previously submitted op of conversationID and
// returns the state it committed. If ctx ends while op is still queued the op
// is dropped; once started it runs to completion and its state is persisted
// regardless of ctx.
func (s *Serializer) Do(ctx context.Context, conversationID string, op Op) ([]byte, error) {
	return s.submit(ctx, conversationID, &task{op: op})
}

// DoWithSave is Do with save replacing the store's Save for this op.
func (s *Serializer) DoWithSave(ctx context.Context, conversationID string, op Op, save SaveFunc) ([]byte, error) {
	return s.submit(ctx, conversationID, &task{op: op, save: save})
}

// Close drops every queued op of conversationID with ErrConversationClosed.
// An op already running is not interrupted.
func (s *Serializer) Close(conversationID string) {
	s.mu.Lock()
	l, ok := s.lanes[conversationID]
	var dropped []*task
	if ok {
		for _, t := range l.queue {
			if !t.started {
				dropped = append(dropped, t)
			}
		}
		l.queue = l.queue[:0]
	}
	s.mu.Unlock()

	for _, t := range dropped {
		metrics.SerializerQueueDepth.Dec()
		t.done <- result{err: ErrConversationClosed}
	}
	if len(dropped) > 0 {
		s.log.Debug("dropped queued ops", "conversation_id", conversationID, "count", len(dropped))
	}
}

// Delete closes the conversation and removes its state once any running op
// has finished.
func (s *Serializer) Delete(ctx context.Context, conversationID string) error {
	s.Close(conversationID)
	_, err := s.submit(ctx, conversationID, &task{delete: true})
	return err
}

func (s *Serializer) submit(ctx context.Context, conversationID string, t *task) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.ctx = ctx
	t.done = make(chan result, 1)

	s.mu.Lock()
	l, running := s.lanes[conversationID]
	if !running {
		l = &lane{id: conversationID}
		s.lanes[conversationID] = l
	}
	l.queue = append(l.queue, t)
	metrics.SerializerQueueDepth.Inc()
	s.mu.Unlock()

	if !running {
		go s.run(l)
	}

	select {
	case res := <-t.done:
		return res.state, res.err
	case <-ctx.Done():
		if s.dequeue(l, t) {
			return nil, ctx.Err()
		}
		select {
		case res := <-t.done:
			return res.state, res.err
		default:
			return nil, ctx.Err()
		}
	}
}

// dequeue removes t if it has not started yet.
func (s *Serializer) dequeue(l *lane, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.started {
		return false
	}
	for i, q := range l.queue {
		if q == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			metrics.SerializerQueueDepth.Dec()
			return true
		}
	}
	return false
}

func (s *Serializer) run(l *lane) {
	var (
		current []byte
		loaded  bool
	)
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, l.id)
			s.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue = l.queue[1:]
		t.started = true
		s.mu.Unlock()
		metrics.SerializerQueueDepth.Dec()

		start := time.Now()
		res := s.execute(l.id, t, &current, &loaded)
		metrics.SerializerOpDurationSeconds.Observe(time.Since(start).Seconds())
		t.done <- res
	}
}

func (s *Serializer) execute(id string, t *task, current *[]byte, loaded *bool) (res result) {
	ctx := context.WithoutCancel(t.ctx)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("conversation op panicked", "conversation_id", id, "panic", r)
			res = result{err: fmt.Errorf("serializer: op panicked: %v", r)}
		}
	}()

	if t.delete {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return result{err: err}
		}
		*current, *loaded = nil, true
		return result{}
	}

	if !*loaded {
		state, err := s.store.Load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			state = nil
		case err != nil:
			return result{err: fmt.Errorf("load state: %w", err)}
		}
		*current, *loaded = state, true
	}

	next, err := t.op(ctx, cloneBytes(*current))
	if err != nil {
		return result{err: err}
	}
	if next == nil {
		return result{state: cloneBytes(*current)}
	}
	save := t.save
	if save == nil {
		save = s.store.Save
	}
	if err := save(ctx, id, next); err != nil {
		s.log.Warn("persist conversation state failed", "conversation_id", id, "error", err)
		return result{err: fmt.Errorf("save state: %w", err)}
	}
	*current = cloneBytes(next)
	return result{state: next}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
