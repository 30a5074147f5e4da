// Package queue implements the Queue Manager: the FIFO of connections
// waiting for a partner, with dedup-on-enqueue and stale-entry discard on
// pop.
package queue

import (
	"context"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
)

// PresenceChecker reports whether a connection ID is still reachable
// anywhere in the cluster. The Connection Registry satisfies this.
type PresenceChecker interface {
	Present(ctx context.Context, connectionID string) (bool, error)
}

// Manager owns the shared waiting queue.
type Manager struct {
	store       sss.Store
	presence    PresenceChecker
	logger      *logging.Logger
	popAttempts int
}

// New constructs a Manager. popAttempts bounds how many stale entries
// PopValid will discard before giving up on a single call.
func New(store sss.Store, presence PresenceChecker, logger *logging.Logger, popAttempts int) *Manager {
	if popAttempts <= 0 {
		popAttempts = 50
	}
	return &Manager{store: store, presence: presence, logger: logger, popAttempts: popAttempts}
}

// Enqueue removes any prior occurrence of id (dedup) and appends it to the
// tail of the queue. Errors are logged and swallowed: a failed enqueue
// leaves the connection unmatched until the next join/leave/next event
// retries it, never surfaced to the client as a hard failure.
func (m *Manager) Enqueue(ctx context.Context, id string) {
	if err := m.store.ListRemove(ctx, sss.QueueKey, id); err != nil {
		m.logger.Warn("queue dedup remove failed", logging.String("connection_id", id), logging.Error(err))
	}
	if err := m.store.ListPushTail(ctx, sss.QueueKey, id); err != nil {
		m.logger.Warn("queue enqueue failed", logging.String("connection_id", id), logging.Error(err))
	}
}

// Len reports the number of connections currently waiting in the queue.
func (m *Manager) Len(ctx context.Context) int {
	entries, err := m.store.ListAll(ctx, sss.QueueKey)
	if err != nil {
		m.logger.Warn("queue length lookup failed", logging.Error(err))
		return 0
	}
	return len(entries)
}

// Remove discards id from the queue if present. It is idempotent.
func (m *Manager) Remove(ctx context.Context, id string) {
	if err := m.store.ListRemove(ctx, sss.QueueKey, id); err != nil {
		m.logger.Warn("queue remove failed", logging.String("connection_id", id), logging.Error(err))
	}
}

// PopValid pops connections off the head of the queue until it finds one
// that is neither exclude nor stale (no longer present anywhere in the
// cluster), or until it exhausts its attempt budget. ok is false when the
// queue yielded no valid candidate.
func (m *Manager) PopValid(ctx context.Context, exclude string) (id string, ok bool) {
	for attempt := 0; attempt < m.popAttempts; attempt++ {
		candidate, popped, err := m.store.ListPopHead(ctx, sss.QueueKey)
		if err != nil {
			m.logger.Warn("queue pop failed", logging.Error(err))
			return "", false
		}
		if !popped {
			return "", false
		}
		if candidate == exclude {
			continue
		}
		present, err := m.presence.Present(ctx, candidate)
		if err != nil {
			m.logger.Warn("presence check failed", logging.String("connection_id", candidate), logging.Error(err))
			continue
		}
		if !present {
			continue
		}
		return candidate, true
	}
	m.logger.Warn("pop_valid exhausted attempt budget", logging.Int("attempts", m.popAttempts))
	return "", false
}
