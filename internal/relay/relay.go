// Package relay implements the Signal Relay: forwarding an opaque WebRTC
// signaling payload from one paired connection to the other, with a strict
// partner check and a hard payload size cap.
package relay

import (
	"context"
	"encoding/json"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/wire"
)

// Pairs reports a connection's current partner.
type Pairs interface {
	Partner(ctx context.Context, id string) (string, bool)
}

// Delivery sends an outbound event to a specific connection.
type Delivery interface {
	Deliver(ctx context.Context, id string, event wire.Outbound) error
}

// Relay forwards signal payloads between bound pairs.
type Relay struct {
	pairs    Pairs
	delivery Delivery
	maxBytes int
	logger   *logging.Logger
}

// New constructs a Relay. maxBytes bounds the serialized size of the
// signal payload, not including the envelope.
func New(pairs Pairs, delivery Delivery, maxBytes int, logger *logging.Logger) *Relay {
	return &Relay{pairs: pairs, delivery: delivery, maxBytes: maxBytes, logger: logger}
}

// Forward validates and relays a signal from "from" to "peer". Malformed,
// oversized, or mis-addressed signals are dropped silently to the sender's
// connection and logged, never forwarded.
func (r *Relay) Forward(ctx context.Context, from, peer string, signal json.RawMessage) {
	if peer == "" {
		r.reject(ctx, from, "signal: peer is required")
		return
	}
	if len(signal) > r.maxBytes {
		r.reject(ctx, from, "signal: payload exceeds size limit")
		return
	}

	partner, ok := r.pairs.Partner(ctx, from)
	if !ok || partner != peer {
		r.reject(ctx, from, "signal: peer is not your current partner")
		return
	}

	if err := r.delivery.Deliver(ctx, peer, wire.Signal(from, signal)); err != nil {
		r.logger.Warn("signal delivery failed", logging.String("from", from), logging.String("peer", peer), logging.Error(err))
	}
}

// reject logs a dropped signal without telling the sender why. Responding
// with an error would let a spoofer probe for a real partner or pairing
// state, so rejection is always silent on the wire.
func (r *Relay) reject(_ context.Context, from, message string) {
	r.logger.Warn("signal dropped", logging.String("connection_id", from), logging.String("reason", message))
}
