package matchmaker

import (
	"context"
	"testing"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/pair"
	"github.com/rendezvous/signaling/internal/queue"
	"github.com/rendezvous/signaling/internal/sss"
	"github.com/rendezvous/signaling/internal/wire"
)

// fakeRegistry satisfies both Presence and Delivery by recording delivered
// events per connection and treating every ID as present unless it is
// marked in absent.
type fakeRegistry struct {
	delivered map[string][]wire.Outbound
	absent    map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{delivered: make(map[string][]wire.Outbound), absent: make(map[string]bool)}
}

func (f *fakeRegistry) Present(_ context.Context, id string) (bool, error) {
	return !f.absent[id], nil
}

func (f *fakeRegistry) Deliver(_ context.Context, id string, event wire.Outbound) error {
	f.delivered[id] = append(f.delivered[id], event)
	return nil
}

func (f *fakeRegistry) last(id string) (wire.Outbound, bool) {
	events := f.delivered[id]
	if len(events) == 0 {
		return wire.Outbound{}, false
	}
	return events[len(events)-1], true
}

type allowAllCooldown struct{ allow bool }

func (c *allowAllCooldown) Allow(string) bool { return c.allow }
func (c *allowAllCooldown) Forget(string)     {}

func newTestMatchmaker() (*Matchmaker, *fakeRegistry) {
	store := sss.NewMemory()
	logger := logging.NewTestLogger()
	reg := newFakeRegistry()
	q := queue.New(store, reg, logger, 50)
	p := pair.New(store, logger)
	return New(q, p, reg, reg, &allowAllCooldown{allow: true}, logger), reg
}

func TestJoinTwoConnectionsPairsThem(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	if event, ok := reg.last("A"); !ok || event.Type != wire.TypeWaiting {
		t.Fatalf("expected A waiting, got %#v ok=%v", event, ok)
	}

	m.Join(ctx, "B")

	eventA, _ := reg.last("A")
	eventB, _ := reg.last("B")
	if eventA.Type != wire.TypePaired || eventA.Peer != "B" {
		t.Fatalf("expected A paired with B, got %#v", eventA)
	}
	if eventB.Type != wire.TypePaired || eventB.Peer != "A" {
		t.Fatalf("expected B paired with A, got %#v", eventB)
	}
	// exactly one side is the initiator
	if *eventA.Initiator == *eventB.Initiator {
		t.Fatalf("expected exactly one initiator, got A=%v B=%v", *eventA.Initiator, *eventB.Initiator)
	}
}

func TestJoinWhileAlreadyPairedIsNoop(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	reg.delivered["A"] = nil

	m.Join(ctx, "A")
	if events := reg.delivered["A"]; len(events) != 0 {
		t.Fatalf("expected no new events for already-paired A, got %#v", events)
	}
	if partner, ok := m.Partner(ctx, "A"); !ok || partner != "B" {
		t.Fatalf("expected A still paired with B, got %q ok=%v", partner, ok)
	}
}

func TestNextDissolvesAndRematches(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	m.Join(ctx, "C") // waiting

	m.Next(ctx, "A") // A leaves B, B requeues, A rematches with C

	eventsB := reg.delivered["B"]
	if n := len(eventsB); n < 2 || eventsB[n-2].Type != wire.TypePartnerDisconnected || eventsB[n-1].Type != wire.TypeWaiting {
		t.Fatalf("expected B notified of partner disconnect and then requeued, got %#v", eventsB)
	}

	foundDisconnect := false
	for _, event := range reg.delivered["A"] {
		if event.Type == wire.TypePartnerDisconnected {
			foundDisconnect = true
			break
		}
	}
	if !foundDisconnect {
		t.Fatalf("expected A also notified of partner disconnect before rematch, got %#v", reg.delivered["A"])
	}

	eventA, _ := reg.last("A")
	eventC, _ := reg.last("C")
	if eventA.Type != wire.TypePaired || eventA.Peer != "C" {
		t.Fatalf("expected A paired with C, got %#v", eventA)
	}
	if eventC.Type != wire.TypePaired || eventC.Peer != "A" {
		t.Fatalf("expected C paired with A, got %#v", eventC)
	}
}

func TestNextRespectsCooldown(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	logger := logging.NewTestLogger()
	pairs := pair.New(store, logger)
	reg := newFakeRegistry()
	q := queue.New(store, reg, logger, 50)
	m := New(q, pairs, reg, reg, &allowAllCooldown{allow: false}, logger)

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	reg.delivered["A"] = nil

	m.Next(ctx, "A")

	event, ok := reg.last("A")
	if !ok || event.Type != wire.TypeError {
		t.Fatalf("expected rate-limit error, got %#v ok=%v", event, ok)
	}
	if partner, ok := m.Partner(ctx, "A"); !ok || partner != "B" {
		t.Fatalf("expected pairing untouched under cooldown, got %q ok=%v", partner, ok)
	}
}

func TestLeaveNotifiesPartnerAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")

	m.Leave(ctx, "A")

	if event, ok := reg.last("A"); !ok || event.Type != wire.TypeLeft {
		t.Fatalf("expected A to receive left, got %#v ok=%v", event, ok)
	}
	eventsB := reg.delivered["B"]
	if n := len(eventsB); n < 2 || eventsB[n-2].Type != wire.TypePartnerDisconnected {
		t.Fatalf("expected B notified of disconnect, got %#v", eventsB)
	}
	if event, _ := reg.last("B"); event.Type != wire.TypeWaiting {
		t.Fatalf("expected B requeued after the disconnect notice, got final event %#v", event)
	}
	if _, ok := m.Partner(ctx, "A"); ok {
		t.Fatal("expected A unpaired after leave")
	}
}

func TestOnDisconnectNeverDeliversToTheDisconnectedConnection(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	reg.delivered["A"] = nil
	reg.delivered["B"] = nil

	m.OnDisconnect(ctx, "A")

	if events := reg.delivered["A"]; len(events) != 0 {
		t.Fatalf("expected no delivery to the disconnected connection, got %#v", events)
	}
	if events := reg.delivered["B"]; len(events) != 2 || events[0].Type != wire.TypePartnerDisconnected || events[1].Type != wire.TypeWaiting {
		t.Fatalf("expected B notified and then queued by the rematch attempt, got %#v", events)
	}
}

func TestOnDisconnectAttemptsOptimisticRematchForSurvivor(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	m.Join(ctx, "C") // waiting

	m.OnDisconnect(ctx, "A")

	eventB, _ := reg.last("B")
	if eventB.Type != wire.TypePaired || eventB.Peer != "C" {
		t.Fatalf("expected B rematched with C immediately, got %#v", eventB)
	}
}

func TestOnDisconnectDoesNotRequeueAbsentPartner(t *testing.T) {
	ctx := context.Background()
	m, reg := newTestMatchmaker()

	m.Join(ctx, "A")
	m.Join(ctx, "B")
	reg.absent["B"] = true

	m.OnDisconnect(ctx, "A")

	if _, ok := m.Partner(ctx, "B"); ok {
		t.Fatal("expected B's stale pairing side not to be rebound")
	}
	if n := m.queue.(*queue.Manager).Len(ctx); n != 0 {
		t.Fatalf("expected absent B not to be requeued, queue length %d", n)
	}
}
