// Package pair implements the Pair Manager: a symmetric binding between two
// connection IDs, stored as two mirrored fields in a single shared hash.
package pair

import (
	"context"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
)

// Manager owns the shared pair table.
type Manager struct {
	store  sss.Store
	logger *logging.Logger
}

// New constructs a Manager.
func New(store sss.Store, logger *logging.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Bind writes both directions of the a<->b pairing in one hash write,
// overwriting any prior binding either side may have held.
func (m *Manager) Bind(ctx context.Context, a, b string) error {
	return m.store.HashSetMany(ctx, sss.PairsKey, map[string]string{a: b, b: a})
}

// Partner returns the current partner of id, if any.
func (m *Manager) Partner(ctx context.Context, id string) (string, bool) {
	partner, ok, err := m.store.HashGet(ctx, sss.PairsKey, id)
	if err != nil {
		m.logger.Warn("partner lookup failed", logging.String("connection_id", id), logging.Error(err))
		return "", false
	}
	return partner, ok
}

// Count reports the number of currently bound pairs. The pair table stores
// two hash entries per pairing, so the count is half the hash's size.
func (m *Manager) Count(ctx context.Context) int {
	entries, err := m.store.HashGetAll(ctx, sss.PairsKey)
	if err != nil {
		m.logger.Warn("pair count lookup failed", logging.Error(err))
		return 0
	}
	return len(entries) / 2
}

// Dissolve removes the binding between one and its partner, whichever side
// one is called with. ok is false if one had no partner.
func (m *Manager) Dissolve(ctx context.Context, one string) (partner string, ok bool) {
	partner, ok = m.Partner(ctx, one)
	if !ok {
		return "", false
	}
	if err := m.store.HashDeleteMany(ctx, sss.PairsKey, one, partner); err != nil {
		m.logger.Warn("dissolve failed", logging.String("connection_id", one), logging.Error(err))
	}
	return partner, true
}
