package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
	"github.com/rendezvous/signaling/internal/wire"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	events []wire.Outbound
}

func (d *recordingDeliverer) Deliver(event wire.Outbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDeliverer) last() (wire.Outbound, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return wire.Outbound{}, false
	}
	return d.events[len(d.events)-1], true
}

func TestDeliverLocalBypassesBus(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	r := New(store, "instance-a", "deliveries", logging.NewTestLogger())

	d := &recordingDeliverer{}
	if err := r.Admit(ctx, "conn-1", "198.51.100.1", d); err != nil {
		t.Fatalf("admit: %v", err)
	}

	if err := r.Deliver(ctx, "conn-1", wire.Waiting()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	event, ok := d.last()
	if !ok || event.Type != wire.TypeWaiting {
		t.Fatalf("expected local waiting event, got %#v ok=%v", event, ok)
	}
}

func TestPresentChecksClusterWideWhenNotLocal(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	r := New(store, "instance-a", "deliveries", logging.NewTestLogger())

	present, err := r.Present(ctx, "ghost")
	if err != nil || present {
		t.Fatalf("expected ghost absent, got present=%v err=%v", present, err)
	}

	if err := store.SetAdd(ctx, sss.LiveConnections, "remote-conn"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	present, err = r.Present(ctx, "remote-conn")
	if err != nil || !present {
		t.Fatalf("expected remote-conn present cluster-wide, got present=%v err=%v", present, err)
	}
}

func TestIPResolvesAcrossInstancesAndClearsOnRemove(t *testing.T) {
	ctx := context.Background()
	store := sss.NewMemory()
	a := New(store, "instance-a", "deliveries", logging.NewTestLogger())
	b := New(store, "instance-b", "deliveries", logging.NewTestLogger())

	if err := b.Admit(ctx, "conn-on-b", "198.51.100.2", &recordingDeliverer{}); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ip, ok := a.IP(ctx, "conn-on-b")
	if !ok || ip != "198.51.100.2" {
		t.Fatalf("expected instance-a to resolve conn-on-b's ip, got %q ok=%v", ip, ok)
	}

	b.Remove(ctx, "conn-on-b")
	if _, ok := a.IP(ctx, "conn-on-b"); ok {
		t.Fatal("expected ip record cleared after remove")
	}
}

func TestDeliverCrossInstanceFansOutOverBus(t *testing.T) {
	store := sss.NewMemory()
	logger := logging.NewTestLogger()

	a := New(store, "instance-a", "deliveries", logger)
	b := New(store, "instance-b", "deliveries", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &recordingDeliverer{}
	if err := b.Admit(ctx, "conn-on-b", "198.51.100.2", d); err != nil {
		t.Fatalf("admit: %v", err)
	}

	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let both subscriptions establish

	if err := a.Deliver(ctx, "conn-on-b", wire.Paired("conn-on-a", true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if event, ok := d.last(); ok {
			if event.Type != wire.TypePaired || event.Peer != "conn-on-a" {
				t.Fatalf("unexpected event %#v", event)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cross-instance delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
