// Copyright 2025 James Ross
package messaging

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription is a live handler registration.
type Subscription struct {
	id     string
	typ    reflect.Type
	handle Handler
	ctx    context.Context
	cancel context.CancelFunc
	remove func()
	once   sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Type returns the subscribed type.
func (s *Subscription) Type() reflect.Type { return s.typ }

// Cancel removes the subscription. In-flight deliveries observe a
// cancelled context; Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.remove()
	})
}

// router is the subscription registry shared by every bus
// implementation. Dispatch fans a message out to each matching
// subscription on its own goroutine and isolates failures.
type router struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	log   *zap.Logger
	onErr SubscriberErrorHook
	wg    sync.WaitGroup
}

func newRouter(log *zap.Logger, onErr SubscriberErrorHook) *router {
	if log == nil {
		log = zap.NewNop()
	}
	return &router{subs: make(map[string]*Subscription), log: log, onErr: onErr}
}

func (r *router) add(ctx context.Context, t reflect.Type, h Handler) (*Subscription, error) {
	if t == nil {
		return nil, fmt.Errorf("messaging: nil subscription type")
	}
	if h == nil {
		return nil, fmt.Errorf("messaging: nil handler")
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:     uuid.NewString(),
		typ:    t,
		handle: h,
		ctx:    subCtx,
		cancel: cancel,
	}
	s.remove = func() {
		r.mu.Lock()
		delete(r.subs, s.id)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()
	// Registration context doubles as the subscription lifetime.
	go func() {
		<-subCtx.Done()
		s.Cancel()
	}()
	r.log.Debug("subscribed", zap.String("subscription_id", s.id), zap.String("type", t.String()))
	return s, nil
}

// matches reports whether a message of type mt is delivered to a
// subscription on st: exact type, assignability, or interface
// satisfaction; an any subscription takes everything.
func matches(mt, st reflect.Type) bool {
	if mt == nil || st == nil {
		return false
	}
	return mt.AssignableTo(st)
}

// dispatch delivers msg to every matching subscription asynchronously.
// It returns the number of handlers scheduled.
func (r *router) dispatch(msg any) int {
	mt := reflect.TypeOf(msg)
	r.mu.RLock()
	targets := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if matches(mt, s.typ) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.wg.Add(1)
		go func(s *Subscription) {
			defer r.wg.Done()
			r.invoke(s, msg)
		}(s)
	}
	return len(targets)
}

func (r *router) invoke(s *Subscription, msg any) {
	if s.ctx.Err() != nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("subscriber panic: %v", rec)
			r.log.Error("subscriber panicked", zap.String("subscription_id", s.id), zap.Any("panic", rec))
			if r.onErr != nil {
				r.onErr(s.id, msg, err)
			}
		}
	}()
	if err := s.handle(s.ctx, msg); err != nil {
		r.log.Error("subscriber error", zap.String("subscription_id", s.id), zap.Error(err))
		if r.onErr != nil {
			r.onErr(s.id, msg, err)
		}
	}
}

// cancelAll cancels every subscription and waits for in-flight
// deliveries to finish.
func (r *router) cancelAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
	r.wg.Wait()
}

// typeName returns the stable wire name for a message type, used by the
// Redis and NATS transports to resolve handlers across processes.
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
