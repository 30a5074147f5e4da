package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/wire"
)

type fakeAdmitter struct{ banned map[string]bool }

func (f *fakeAdmitter) Admission(_ context.Context, ip string) bool { return !f.banned[ip] }

type fakeRegistry struct {
	mu      sync.Mutex
	admits  []string
	removes []string
	ips     map[string]string
}

func (f *fakeRegistry) Admit(_ context.Context, id, ip string, _ interface{ Deliver(wire.Outbound) error }) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admits = append(f.admits, id)
	if f.ips == nil {
		f.ips = make(map[string]string)
	}
	f.ips[id] = ip
	return nil
}

func (f *fakeRegistry) Remove(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
}

func (f *fakeRegistry) IP(_ context.Context, id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip, ok := f.ips[id]
	return ip, ok
}

type fakeMatchmaker struct {
	mu       sync.Mutex
	joined   []string
	nexted   []string
	left     []string
	dropped  []string
	partners map[string]string
}

func (f *fakeMatchmaker) Join(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
}
func (f *fakeMatchmaker) Next(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nexted = append(f.nexted, id)
}
func (f *fakeMatchmaker) Leave(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
}
func (f *fakeMatchmaker) OnDisconnect(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
}
func (f *fakeMatchmaker) Partner(_ context.Context, id string) (string, bool) {
	partner, ok := f.partners[id]
	return partner, ok
}

type fakeRelay struct {
	mu   sync.Mutex
	from []string
	peer []string
}

func (f *fakeRelay) Forward(_ context.Context, from, peer string, _ json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from = append(f.from, from)
	f.peer = append(f.peer, peer)
}

type fakeReporter struct {
	mu         sync.Mutex
	subjectIPs []string
}

func (f *fakeReporter) Report(_ context.Context, _, _, subjectIP, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjectIPs = append(f.subjectIPs, subjectIP)
	return false, nil
}

func newTestServer(t *testing.T, admitter *fakeAdmitter, mm *fakeMatchmaker) (*httptest.Server, *Gateway) {
	t.Helper()
	g := New(admitter, &fakeRegistry{}, mm, &fakeRelay{}, &fakeReporter{}, logging.NewTestLogger(), Options{
		PingInterval:    time.Hour,
		MaxPayloadBytes: 1 << 16,
	})
	server := httptest.NewServer(http.HandlerFunc(g.ServeWS))
	t.Cleanup(server.Close)
	return server, g
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeWSRejectsBannedIP(t *testing.T) {
	admitter := &fakeAdmitter{banned: map[string]bool{}}
	server, _ := newTestServer(t, admitter, &fakeMatchmaker{})

	admitter.banned["127.0.0.1"] = true

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected banned IP to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %#v", resp)
	}
}

func TestServeWSDispatchesJoinEvent(t *testing.T) {
	mm := &fakeMatchmaker{}
	server, _ := newTestServer(t, &fakeAdmitter{banned: map[string]bool{}}, mm)
	conn := dial(t, server)

	if err := conn.WriteJSON(wire.Inbound{Type: wire.TypeJoin}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mm.mu.Lock()
		n := len(mm.joined)
		mm.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for join dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServeWSRunsOnDisconnectCleanupOnClose(t *testing.T) {
	mm := &fakeMatchmaker{}
	server, _ := newTestServer(t, &fakeAdmitter{banned: map[string]bool{}}, mm)
	conn := dial(t, server)
	conn.Close()

	deadline := time.After(time.Second)
	for {
		mm.mu.Lock()
		n := len(mm.dropped)
		mm.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for on_disconnect cleanup")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPeerIPFallsBackToRegistryForRemoteConnection(t *testing.T) {
	reg := &fakeRegistry{ips: map[string]string{"remote-conn": "203.0.113.9"}}
	g := New(&fakeAdmitter{banned: map[string]bool{}}, reg, &fakeMatchmaker{}, &fakeRelay{}, &fakeReporter{}, logging.NewTestLogger(), Options{})

	if ip := g.peerIP(context.Background(), "remote-conn"); ip != "203.0.113.9" {
		t.Fatalf("expected registry-resolved IP, got %q", ip)
	}
	if ip := g.peerIP(context.Background(), "unknown"); ip != "" {
		t.Fatalf("expected empty IP for unknown connection, got %q", ip)
	}
}

func TestServeWSRejectsMalformedMessage(t *testing.T) {
	server, _ := newTestServer(t, &fakeAdmitter{banned: map[string]bool{}}, &fakeMatchmaker{})
	conn := dial(t, server)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var event wire.Outbound
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Type != wire.TypeError {
		t.Fatalf("expected error event, got %#v", event)
	}
}
