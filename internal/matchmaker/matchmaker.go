// Package matchmaker implements the Matchmaker state machine: join, next,
// leave, and on_disconnect, built on top of the Queue Manager, Pair
// Manager, and Connection Registry.
package matchmaker

import (
	"context"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/wire"
)

// Queue is the subset of the Queue Manager the Matchmaker needs.
type Queue interface {
	Enqueue(ctx context.Context, id string)
	Remove(ctx context.Context, id string)
	PopValid(ctx context.Context, exclude string) (string, bool)
}

// Pairs is the subset of the Pair Manager the Matchmaker needs.
type Pairs interface {
	Bind(ctx context.Context, a, b string) error
	Partner(ctx context.Context, id string) (string, bool)
	Dissolve(ctx context.Context, one string) (partner string, ok bool)
}

// Presence reports whether a connection is still reachable anywhere in the
// cluster.
type Presence interface {
	Present(ctx context.Context, id string) (bool, error)
}

// Delivery sends an outbound event to a specific connection, local or
// remote.
type Delivery interface {
	Deliver(ctx context.Context, id string, event wire.Outbound) error
}

// Cooldown gates how often a single connection may call Next.
type Cooldown interface {
	Allow(id string) bool
	Forget(id string)
}

// Matchmaker orchestrates the broker's matching state machine.
type Matchmaker struct {
	queue    Queue
	pairs    Pairs
	presence Presence
	delivery Delivery
	cooldown Cooldown
	logger   *logging.Logger
}

// New constructs a Matchmaker.
func New(queue Queue, pairs Pairs, presence Presence, delivery Delivery, cooldown Cooldown, logger *logging.Logger) *Matchmaker {
	return &Matchmaker{queue: queue, pairs: pairs, presence: presence, delivery: delivery, cooldown: cooldown, logger: logger}
}

// Partner returns id's current partner, if any. Exposed so the gateway can
// check pairing state during shutdown without reaching into the Pair
// Manager directly.
func (m *Matchmaker) Partner(ctx context.Context, id string) (string, bool) {
	return m.pairs.Partner(ctx, id)
}

// Join admits a connection into matchmaking. A connection that already has
// a partner is a no-op: join is only meaningful for unpaired connections.
func (m *Matchmaker) Join(ctx context.Context, id string) {
	if _, ok := m.pairs.Partner(ctx, id); ok {
		return
	}
	m.queue.Remove(ctx, id)
	m.matchStep(ctx, id)
}

// matchStep attempts to pair id with the next valid queue candidate; if
// none exists, id is enqueued and told to wait.
func (m *Matchmaker) matchStep(ctx context.Context, id string) {
	other, ok := m.queue.PopValid(ctx, id)
	if !ok {
		m.queue.Enqueue(ctx, id)
		m.deliver(ctx, id, wire.Waiting())
		return
	}

	if err := m.pairs.Bind(ctx, id, other); err != nil {
		m.logger.Warn("bind failed, returning both connections to queue", logging.String("a", id), logging.String("b", other), logging.Error(err))
		m.queue.Enqueue(ctx, other)
		m.queue.Enqueue(ctx, id)
		m.deliver(ctx, id, wire.Waiting())
		return
	}

	m.deliver(ctx, id, wire.Paired(other, true))
	m.deliver(ctx, other, wire.Paired(id, false))
}

// Next dissolves id's current pairing (if any) and immediately attempts to
// find a new partner, subject to the per-connection cooldown.
func (m *Matchmaker) Next(ctx context.Context, id string) {
	if !m.cooldown.Allow(id) {
		m.deliver(ctx, id, wire.Error("next: rate limited, try again shortly"))
		return
	}

	if partner, ok := m.pairs.Dissolve(ctx, id); ok {
		m.deliver(ctx, id, wire.PartnerDisconnected())
		m.deliver(ctx, partner, wire.PartnerDisconnected())
		m.requeuePartnerIfPresent(ctx, partner)
	} else {
		m.queue.Remove(ctx, id)
	}

	m.matchStep(ctx, id)
}

// Leave removes id from matchmaking entirely: dissolves any pairing,
// notifies the partner, and acknowledges the leave to id itself.
func (m *Matchmaker) Leave(ctx context.Context, id string) {
	if partner, ok := m.pairs.Dissolve(ctx, id); ok {
		m.deliver(ctx, partner, wire.PartnerDisconnected())
		m.requeuePartnerIfPresent(ctx, partner)
	}
	m.queue.Remove(ctx, id)
	m.cooldown.Forget(id)
	m.deliver(ctx, id, wire.Left())
}

// OnDisconnect handles an ungraceful connection loss: same cleanup as
// Leave, except nothing is ever delivered back to id, and the surviving
// partner gets an optimistic immediate match attempt rather than a plain
// requeue.
func (m *Matchmaker) OnDisconnect(ctx context.Context, id string) {
	if partner, ok := m.pairs.Dissolve(ctx, id); ok {
		m.deliver(ctx, partner, wire.PartnerDisconnected())
		if present, err := m.presence.Present(ctx, partner); err == nil && present {
			m.matchStep(ctx, partner)
		}
	}
	m.queue.Remove(ctx, id)
	m.cooldown.Forget(id)
}

func (m *Matchmaker) requeuePartnerIfPresent(ctx context.Context, partner string) {
	present, err := m.presence.Present(ctx, partner)
	if err != nil {
		m.logger.Warn("presence check failed during requeue", logging.String("connection_id", partner), logging.Error(err))
		return
	}
	if present {
		m.queue.Enqueue(ctx, partner)
		m.deliver(ctx, partner, wire.Waiting())
	}
}

func (m *Matchmaker) deliver(ctx context.Context, id string, event wire.Outbound) {
	if err := m.delivery.Deliver(ctx, id, event); err != nil {
		m.logger.Warn("delivery failed", logging.String("connection_id", id), logging.String("event_type", event.Type), logging.Error(err))
	}
}
