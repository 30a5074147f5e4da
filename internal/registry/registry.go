// Package registry implements the Connection Registry: the map from a
// connection ID to wherever that connection currently lives, whether on
// this broker instance or another one in the cluster.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/snappy"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
	"github.com/rendezvous/signaling/internal/wire"
)

// Deliverer accepts an outbound event for a single, specific connection.
// The gateway's per-connection client type satisfies this.
type Deliverer interface {
	Deliver(event wire.Outbound) error
}

// Registry tracks locally-held connections and fans cross-instance
// deliveries out over the shared state store's pub/sub bus.
type Registry struct {
	store      sss.Store
	instanceID string
	topic      string
	logger     *logging.Logger

	mu    sync.RWMutex
	local map[string]Deliverer

	sub sss.Subscription
}

// New constructs a Registry. topic is the shared pub/sub channel every
// instance subscribes to for cross-instance delivery.
func New(store sss.Store, instanceID, topic string, logger *logging.Logger) *Registry {
	return &Registry{
		store:      store,
		instanceID: instanceID,
		topic:      topic,
		logger:     logger,
		local:      make(map[string]Deliverer),
	}
}

// envelope wraps an event destined for a specific connection ID as it
// crosses the pub/sub bus. Only the publishing instance knows whether the
// target is local; every subscriber drops envelopes for IDs it doesn't hold.
type envelope struct {
	Target string `json:"target"`
	// Payload is base64-encoded by encoding/json's []byte handling, since it
	// may hold raw snappy-compressed bytes that aren't valid JSON on their own.
	Payload    []byte `json:"payload"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Run subscribes to the delivery topic and pumps incoming envelopes to
// locally-held connections until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, r.topic)
	if err != nil {
		return err
	}
	r.sub = sub

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for raw := range sub.Messages() {
		r.handleEnvelope(raw)
	}
	return nil
}

func (r *Registry) handleEnvelope(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("registry received malformed envelope", logging.Error(err))
		return
	}

	r.mu.RLock()
	d, ok := r.local[env.Target]
	r.mu.RUnlock()
	if !ok {
		return
	}

	payload := env.Payload
	if env.Compressed {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			r.logger.Warn("registry failed to decompress envelope", logging.String("connection_id", env.Target), logging.Error(err))
			return
		}
		payload = decoded
	}

	var event wire.Outbound
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn("registry failed to decode event", logging.String("connection_id", env.Target), logging.Error(err))
		return
	}

	if err := d.Deliver(event); err != nil {
		r.logger.Warn("local delivery failed", logging.String("connection_id", env.Target), logging.Error(err))
	}
}

// Admit registers id as locally held by this instance, records it in the
// cluster-wide presence set so PopValid and Present can see it from any
// instance, and records its remote IP so IP can resolve it even from
// another instance.
func (r *Registry) Admit(ctx context.Context, id, ip string, d interface{ Deliver(wire.Outbound) error }) error {
	r.mu.Lock()
	r.local[id] = d
	r.mu.Unlock()
	if err := r.store.SetAdd(ctx, sss.LiveConnections, id); err != nil {
		return err
	}
	if err := r.store.HashSetMany(ctx, sss.ConnectionIPsKey, map[string]string{id: ip}); err != nil {
		r.logger.Warn("registry ip record failed", logging.String("connection_id", id), logging.Error(err))
	}
	return nil
}

// Remove un-registers id, both locally and from the cluster-wide presence
// set and IP record.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	if err := r.store.SetRemove(ctx, sss.LiveConnections, id); err != nil {
		r.logger.Warn("registry presence remove failed", logging.String("connection_id", id), logging.Error(err))
	}
	if err := r.store.HashDeleteMany(ctx, sss.ConnectionIPsKey, id); err != nil {
		r.logger.Warn("registry ip record clear failed", logging.String("connection_id", id), logging.Error(err))
	}
}

// IP resolves id's admitting instance's remote IP, wherever in the cluster
// it was admitted.
func (r *Registry) IP(ctx context.Context, id string) (string, bool) {
	ip, ok, err := r.store.HashGet(ctx, sss.ConnectionIPsKey, id)
	if err != nil {
		r.logger.Warn("registry ip lookup failed", logging.String("connection_id", id), logging.Error(err))
		return "", false
	}
	return ip, ok
}

// Present reports whether id is reachable anywhere in the cluster.
func (r *Registry) Present(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	_, local := r.local[id]
	r.mu.RUnlock()
	if local {
		return true, nil
	}
	return r.store.SetIsMember(ctx, sss.LiveConnections, id)
}

// Deliver sends event to id, locally if held on this instance, or over the
// pub/sub bus otherwise. Signal events are snappy-compressed for the
// cross-instance hop; all other event types cross uncompressed, since they
// carry small fixed-shape payloads that don't benefit from it.
func (r *Registry) Deliver(ctx context.Context, id string, event wire.Outbound) error {
	r.mu.RLock()
	d, ok := r.local[id]
	r.mu.RUnlock()
	if ok {
		return d.Deliver(event)
	}
	return r.publishRemote(ctx, id, event)
}

func (r *Registry) publishRemote(ctx context.Context, id string, event wire.Outbound) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	compressed := false
	if event.Type == wire.TypeSignal {
		raw = snappy.Encode(nil, raw)
		compressed = true
	}

	env := envelope{Target: id, Payload: raw, Compressed: compressed}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.store.Publish(ctx, r.topic, data)
}
