// Package undo keeps a client's history of undoable operations. Operations
// may be backed by network round trips; the stack records them immediately
// and runs their work in the background, one at a time per entity.
package undo

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultMaxDepth bounds the past when Config.MaxDepth is not set.
const DefaultMaxDepth = 100

// Operation is one entry of the history.
type Operation interface {
	// Label is a short user facing description, e.g. "Rename workshop".
	Label() string
	// Key identifies the entity the operation touches. Work for equal keys
	// is serialized; an empty key shares a single queue.
	Key() string
	// Execute performs the operation. isRedo is true when replayed by Redo.
	Execute(ctx context.Context, isRedo bool) error
	// Reverse undoes the operation.
	Reverse(ctx context.Context) error
	// Merge returns a single operation equivalent to running the receiver
	// and then next, or false when the two cannot be combined.
	Merge(next Operation) (Operation, bool)
}

// Config configures a Stack.
type Config struct {
	// MaxDepth bounds the number of undoable entries. The oldest entries are
	// evicted first. Defaults to DefaultMaxDepth.
	MaxDepth int
	Logger   *slog.Logger
}

// Stack is an undo/redo history. It is safe for concurrent use.
type Stack struct {
	maxDepth int
	logger   *slog.Logger

	mu     sync.Mutex
	past   []Operation
	future []Operation
	tails  map[string]chan struct{}
}

// NewStack creates an empty stack.
func NewStack(cfg Config) *Stack {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Stack{
		maxDepth: cfg.MaxDepth,
		logger:   cfg.Logger,
		tails:    make(map[string]chan struct{}),
	}
}

// Push records op and starts executing it. When the operation on top of the
// past merges with op, the merged operation takes its place and only op's
// own work is executed. The future is always cleared.
func (s *Stack) Push(ctx context.Context, op Operation) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := false

	if n := len(s.past); n > 0 {
		if m, ok := s.past[n-1].Merge(op); ok && m != nil {
			s.past[n-1] = m
			merged = true
		}
	}

	if !merged {
		s.past = append(s.past, op)

		if over := len(s.past) - s.maxDepth; over > 0 {
			clear(s.past[:over])
			s.past = s.past[over:]
		}
	}

	s.future = nil

	return s.scheduleLocked(ctx, op, "execute", func(ctx context.Context) error {
		return op.Execute(ctx, false)
	})
}

// Undo reverses the most recent operation and moves it to the future.
// It returns false when there is nothing to undo.
func (s *Stack) Undo(ctx context.Context) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.past)
	if n == 0 {
		return nil, false
	}

	op := s.past[n-1]
	s.past[n-1] = nil
	s.past = s.past[:n-1]
	s.future = append(s.future, op)

	return s.scheduleLocked(ctx, op, "reverse", op.Reverse), true
}

// Redo re-executes the most recently undone operation and moves it back to
// the past. It returns false when there is nothing to redo.
func (s *Stack) Redo(ctx context.Context) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.future)
	if n == 0 {
		return nil, false
	}

	op := s.future[n-1]
	s.future[n-1] = nil
	s.future = s.future[:n-1]
	s.past = append(s.past, op)

	return s.scheduleLocked(ctx, op, "redo", func(ctx context.Context) error {
		return op.Execute(ctx, true)
	}), true
}

// Clear forgets both sides of the history. Work already started keeps
// running and is not reversed.
func (s *Stack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.past = nil
	s.future = nil
}

// Len returns the number of undoable entries.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.past)
}

// CanUndo reports whether Undo would do anything.
func (s *Stack) CanUndo() bool {
	return s.Len() > 0
}

// CanRedo reports whether Redo would do anything.
func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.future) > 0
}

// Labels returns the labels of the undoable entries, oldest first.
func (s *Stack) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := make([]string, len(s.past))
	for i, op := range s.past {
		labels[i] = op.Label()
	}

	return labels
}

// scheduleLocked runs fn after every previously scheduled work item with the
// same key has finished. Must be called with s.mu held.
func (s *Stack) scheduleLocked(ctx context.Context, op Operation, action string, fn func(context.Context) error) *Pending {
	key := op.Key()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done

	p := newPending()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()

			close(done)
		}()

		if prev != nil {
			<-prev
		}

		err := ctx.Err()
		if err == nil {
			err = fn(ctx)
		}

		if err != nil {
			s.logger.Warn("undoable operation failed",
				"action", action,
				"label", op.Label(),
				"key", key,
				"error", err,
			)
		}

		p.resolve(err)
	}()

	return p
}
