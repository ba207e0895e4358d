// Copyright 2025 James Ross
package queue

import (
	"context"

	"go.uber.org/zap"
)

// LoggingBehavior logs queue lifecycle events at debug level, with
// dead-letter moves surfaced by the queue itself at warn.
type LoggingBehavior[T any] struct {
	BaseBehavior[T]
	log *zap.Logger
}

// NewLoggingBehavior builds the behavior on log.
func NewLoggingBehavior[T any](log *zap.Logger) *LoggingBehavior[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingBehavior[T]{log: log}
}

func (l *LoggingBehavior[T]) OnEnqueued(_ context.Context, e *Entry[T]) {
	l.log.Debug("entry enqueued", zap.String("entry_id", e.ID()), zap.String("correlation_id", e.CorrelationID()))
}

func (l *LoggingBehavior[T]) OnDequeued(_ context.Context, e *Entry[T]) {
	l.log.Debug("entry dequeued", zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()))
}

func (l *LoggingBehavior[T]) OnLockRenewed(_ context.Context, e *Entry[T]) {
	l.log.Debug("entry lock renewed", zap.String("entry_id", e.ID()))
}

func (l *LoggingBehavior[T]) OnCompleted(_ context.Context, e *Entry[T]) {
	l.log.Debug("entry completed", zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()))
}

func (l *LoggingBehavior[T]) OnAbandoned(_ context.Context, e *Entry[T]) {
	l.log.Debug("entry abandoned", zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()))
}
