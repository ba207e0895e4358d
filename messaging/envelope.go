// Copyright 2025 James Ross
package messaging

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/serializer"
)

// envelope is the wire format shared by the Redis and NATS transports.
// Type is a stable name derived from the message's Go type; consumers
// resolve it against their local type registry.
type envelope struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Body          []byte `json:"body"`
}

// typeRegistry maps wire type names to local concrete types. A remote
// bus can only decode messages whose concrete type some local
// subscription has registered; interface subscriptions then match the
// decoded value through the router.
type typeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{types: make(map[string]reflect.Type)}
}

func (r *typeRegistry) register(t reflect.Type) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Interface {
		return
	}
	r.mu.Lock()
	r.types[typeName(t)] = t
	r.mu.Unlock()
}

func (r *typeRegistry) lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// decodeAndDispatch turns a wire envelope back into a typed value and
// hands it to the router. Unknown types are dropped at debug level.
func decodeAndDispatch(raw []byte, reg *typeRegistry, ser serializer.Serializer, r *router, log *zap.Logger) {
	var env envelope
	if err := ser.Unmarshal(raw, &env); err != nil {
		log.Warn("invalid bus envelope", zap.Error(err))
		return
	}
	t, ok := reg.lookup(env.Type)
	if !ok {
		log.Debug("dropping message with unregistered type", zap.String("type", env.Type))
		return
	}
	v := reflect.New(t)
	if err := ser.Unmarshal(env.Body, v.Interface()); err != nil {
		log.Warn("bus body decode failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	r.dispatch(v.Elem().Interface())
}

// encodeEnvelope serializes message into the shared wire format.
func encodeEnvelope(message any, correlationID string, ser serializer.Serializer) ([]byte, error) {
	body, err := ser.Marshal(message)
	if err != nil {
		return nil, err
	}
	return ser.Marshal(envelope{
		Type:          typeName(reflect.TypeOf(message)),
		CorrelationID: correlationID,
		Body:          body,
	})
}
