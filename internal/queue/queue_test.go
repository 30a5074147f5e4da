package queue

import (
	"context"
	"testing"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
)

type fakePresence struct {
	absent map[string]bool
	err    error
}

func (f *fakePresence) Present(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.absent[id], nil
}

func TestEnqueueDedupsAndPreservesFIFOOrder(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	m := New(store, &fakePresence{absent: map[string]bool{}}, logging.NewTestLogger(), 50)

	m.Enqueue(ctx, "A")
	m.Enqueue(ctx, "B")
	m.Enqueue(ctx, "A") // re-enqueue moves A to the tail

	id, ok := m.PopValid(ctx, "")
	if !ok || id != "B" {
		t.Fatalf("expected B first after A's re-enqueue, got %q ok=%v", id, ok)
	}
	id, ok = m.PopValid(ctx, "")
	if !ok || id != "A" {
		t.Fatalf("expected A second, got %q ok=%v", id, ok)
	}
}

func TestPopValidSkipsExcludedAndStaleEntries(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	presence := &fakePresence{absent: map[string]bool{"stale": true}}
	m := New(store, presence, logging.NewTestLogger(), 50)

	m.Enqueue(ctx, "stale")
	m.Enqueue(ctx, "self")
	m.Enqueue(ctx, "valid")

	id, ok := m.PopValid(ctx, "self")
	if !ok || id != "valid" {
		t.Fatalf("expected valid, got %q ok=%v", id, ok)
	}
}

func TestPopValidReturnsFalseOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	m := New(store, &fakePresence{}, logging.NewTestLogger(), 50)

	if _, ok := m.PopValid(ctx, "x"); ok {
		t.Fatal("expected no candidate from empty queue")
	}
}

func TestPopValidRespectsAttemptBudget(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	presence := &fakePresence{absent: map[string]bool{"a": true, "b": true, "c": true}}
	m := New(store, presence, logging.NewTestLogger(), 2)

	m.Enqueue(ctx, "a")
	m.Enqueue(ctx, "b")
	m.Enqueue(ctx, "c")

	if _, ok := m.PopValid(ctx, ""); ok {
		t.Fatal("expected attempt budget to be exhausted before finding a valid candidate")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	m := New(store, &fakePresence{}, logging.NewTestLogger(), 50)

	m.Remove(ctx, "never-enqueued")
	m.Enqueue(ctx, "x")
	m.Remove(ctx, "x")
	m.Remove(ctx, "x")

	if _, ok := m.PopValid(ctx, ""); ok {
		t.Fatal("expected queue empty after removal")
	}
}
