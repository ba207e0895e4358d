// Copyright 2025 James Ross

// Package workitems transports typed payloads as tagged queue envelopes
// dispatched to registered handlers, with progress reporting over the
// message bus. The stable type-name string decouples the wire format
// from in-process type identity so producers and consumers can evolve
// independently.
package workitems

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/flyingrobots/substrate/serializer"
)

// Envelope is the queue payload: a tagged, serializer-encoded work item.
type Envelope struct {
	Type                string `json:"type"`
	CorrelationID       string `json:"correlation_id,omitempty"`
	SendProgressReports bool   `json:"send_progress_reports"`
	Data                []byte `json:"data"`
}

// Status is published on the message bus as a work item progresses;
// completion is published exactly once at 100.
type Status struct {
	WorkItemID string `json:"work_item_id"`
	Type       string `json:"type"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
}

// TypeName returns the stable wire name for a work item type.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Context is handed to work item handlers; it carries the work item
// identity and the progress-report channel.
type Context struct {
	context.Context
	workItemID    string
	typeName      string
	correlationID string
	report        func(percent int, message string) error
	finalSent     atomic.Bool
}

// WorkItemID returns the id of the queue entry carrying this item.
func (c *Context) WorkItemID() string { return c.workItemID }

// CorrelationID returns the envelope's correlation id.
func (c *Context) CorrelationID() string { return c.correlationID }

// ReportProgress publishes a Status on the bus when the envelope asked
// for progress reports; otherwise it is a no-op.
func (c *Context) ReportProgress(percent int, message string) error {
	if c.report == nil {
		return nil
	}
	if percent >= 100 {
		percent = 100
		if !c.finalSent.CompareAndSwap(false, true) {
			return nil
		}
	}
	return c.report(percent, message)
}

type handlerEntry struct {
	handle func(ctx *Context, data []byte) error
}

// Handlers is the registry mapping envelope type names to handlers.
type Handlers struct {
	mu  sync.RWMutex
	m   map[string]*handlerEntry
	ser serializer.Serializer
}

// NewHandlers builds an empty registry; a nil ser defaults to JSON.
func NewHandlers(ser serializer.Serializer) *Handlers {
	if ser == nil {
		ser = serializer.JSON
	}
	return &Handlers{m: make(map[string]*handlerEntry), ser: ser}
}

// Register binds fn to T's type name, replacing any previous handler.
func Register[T any](h *Handlers, fn func(ctx *Context, item T) error) {
	name := TypeName[T]()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[name] = &handlerEntry{
		handle: func(ctx *Context, data []byte) error {
			var item T
			if err := h.ser.Unmarshal(data, &item); err != nil {
				return fmt.Errorf("workitems: decode %s: %w", name, err)
			}
			return fn(ctx, item)
		},
	}
}

func (h *Handlers) lookup(name string) (*handlerEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.m[name]
	return e, ok
}

// Serializer returns the registry's codec, shared with Enqueue.
func (h *Handlers) Serializer() serializer.Serializer { return h.ser }
