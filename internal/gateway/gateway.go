// Package gateway implements the Connection Gateway: WebSocket admission,
// per-connection event dispatch, and graceful shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/wire"
)

var errSendBufferFull = errors.New("gateway: connection send buffer full")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 32
)

// Admitter gates a connecting IP.
type Admitter interface {
	Admission(ctx context.Context, ip string) bool
}

// Registry tracks and delivers to connections, local or remote.
type Registry interface {
	Admit(ctx context.Context, id, ip string, d interface{ Deliver(wire.Outbound) error }) error
	Remove(ctx context.Context, id string)
	IP(ctx context.Context, id string) (string, bool)
}

// Matchmaker is the subset of the matchmaking state machine the gateway
// drives off inbound events.
type Matchmaker interface {
	Join(ctx context.Context, id string)
	Next(ctx context.Context, id string)
	Leave(ctx context.Context, id string)
	OnDisconnect(ctx context.Context, id string)
	Partner(ctx context.Context, id string) (string, bool)
}

// Relay forwards signal payloads between bound partners.
type Relay interface {
	Forward(ctx context.Context, from, peer string, signal json.RawMessage)
}

// Reporter files abuse reports and acknowledges them.
type Reporter interface {
	Report(ctx context.Context, reporterConnectionID, reporterIP, subjectIP, reason string) (banned bool, err error)
}

// Gateway admits WebSocket connections and dispatches their events.
type Gateway struct {
	upgrader   websocket.Upgrader
	admitter   Admitter
	registry   Registry
	matchmaker Matchmaker
	relay      Relay
	reporter   Reporter
	logger     *logging.Logger

	pingInterval    time.Duration
	maxPayloadBytes int64

	mu      sync.Mutex
	clients map[string]*client
	ipIndex map[string]map[string]struct{}

	nextID uint64
}

// Options configures a new Gateway.
type Options struct {
	AllowedOrigins  []string
	PingInterval    time.Duration
	MaxPayloadBytes int64
}

// New constructs a Gateway.
func New(admitter Admitter, registry Registry, matchmaker Matchmaker, relay Relay, reporter Reporter, logger *logging.Logger, opts Options) *Gateway {
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}

	g := &Gateway{
		admitter:        admitter,
		registry:        registry,
		matchmaker:      matchmaker,
		relay:           relay,
		reporter:        reporter,
		logger:          logger,
		pingInterval:    opts.PingInterval,
		maxPayloadBytes: opts.MaxPayloadBytes,
		clients:         make(map[string]*client),
		ipIndex:         make(map[string]map[string]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[r.Header.Get("Origin")]
			return ok
		},
	}
	return g
}

type client struct {
	id      string
	ip      string
	conn    *websocket.Conn
	send    chan []byte
	cleanup sync.Once
}

func (c *client) Deliver(event wire.Outbound) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// ServeWS upgrades the HTTP request to a WebSocket connection and runs the
// connection's lifecycle until it disconnects.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	ctx := r.Context()

	if !g.admitter.Admission(ctx, ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", logging.String("ip", ip), logging.Error(err))
		return
	}
	if g.maxPayloadBytes > 0 {
		conn.SetReadLimit(g.maxPayloadBytes)
	}

	id := g.newConnectionID()
	c := &client{id: id, ip: ip, conn: conn, send: make(chan []byte, sendBuffer)}

	g.register(c)
	defer g.unregister(c)

	done := make(chan struct{})
	go g.writePump(c, done)
	g.readPump(ctx, c)
	close(done)
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c.id] = c
	ips, ok := g.ipIndex[c.ip]
	if !ok {
		ips = make(map[string]struct{})
		g.ipIndex[c.ip] = ips
	}
	ips[c.id] = struct{}{}
	g.mu.Unlock()

	if err := g.registry.Admit(context.Background(), c.id, c.ip, c); err != nil {
		g.logger.Warn("registry admit failed", logging.String("connection_id", c.id), logging.Error(err))
	}
}

func (g *Gateway) unregister(c *client) {
	c.cleanup.Do(func() {
		ctx := context.Background()
		g.matchmaker.OnDisconnect(ctx, c.id)
		g.registry.Remove(ctx, c.id)

		g.mu.Lock()
		delete(g.clients, c.id)
		if ips, ok := g.ipIndex[c.ip]; ok {
			delete(ips, c.id)
			if len(ips) == 0 {
				delete(g.ipIndex, c.ip)
			}
		}
		g.mu.Unlock()

		c.conn.Close()
	})
}

func (g *Gateway) readPump(ctx context.Context, c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		g.guard(ctx, c, data)
	}
}

// guard decodes and dispatches a single inbound event, recovering from any
// panic in the handler so one malformed message can never take down the
// connection's goroutine or leak into another connection's processing.
func (g *Gateway) guard(ctx context.Context, c *client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic while handling inbound event", logging.String("connection_id", c.id))
		}
	}()

	var event wire.Inbound
	if err := json.Unmarshal(data, &event); err != nil {
		_ = c.Deliver(wire.Error("malformed message"))
		return
	}

	switch event.Type {
	case wire.TypeJoin:
		g.matchmaker.Join(ctx, c.id)
	case wire.TypeNext:
		g.matchmaker.Next(ctx, c.id)
	case wire.TypeLeave:
		g.matchmaker.Leave(ctx, c.id)
	case wire.TypeSignal:
		g.relay.Forward(ctx, c.id, event.Peer, event.Signal)
	case wire.TypeReport:
		g.handleReport(ctx, c, event)
	default:
		_ = c.Deliver(wire.Error("unknown event type"))
	}
}

func (g *Gateway) handleReport(ctx context.Context, c *client, event wire.Inbound) {
	partner, ok := g.matchmaker.Partner(ctx, c.id)
	if !ok || partner != event.Peer {
		_ = c.Deliver(wire.Error("report: peer is not your current partner"))
		return
	}
	subjectIP := g.peerIP(ctx, partner)
	if _, err := g.reporter.Report(ctx, c.id, c.ip, subjectIP, event.Reason); err != nil {
		_ = c.Deliver(wire.Error(err.Error()))
		return
	}
	_ = c.Deliver(wire.ReportSubmitted())
}

// peerIP resolves id's remote IP, checking the local client map first
// before falling back to the cluster-wide registry record for a partner
// admitted on another instance.
func (g *Gateway) peerIP(ctx context.Context, id string) string {
	g.mu.Lock()
	c, ok := g.clients[id]
	g.mu.Unlock()
	if ok {
		return c.ip
	}
	if ip, ok := g.registry.IP(ctx, id); ok {
		return ip
	}
	return ""
}

func (g *Gateway) writePump(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// OnBan force-closes every local connection currently held under ip,
// delivering a banned event first. It is wired as the Abuse Controller's
// ban callback.
func (g *Gateway) OnBan(ip, reason string) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.ipIndex[ip]))
	for id := range g.ipIndex[ip] {
		ids = append(ids, id)
	}
	var clients []*client
	for _, id := range ids {
		if c, ok := g.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	g.mu.Unlock()

	for _, c := range clients {
		_ = c.Deliver(wire.Banned(reason))
		c.conn.Close() // readPump observes the close and unregister runs from ServeWS's defer
	}
}

// Shutdown notifies every locally-paired connection, runs on_disconnect
// cleanup for each local connection, and closes every local WebSocket. It
// does not touch the shared state store directly; the caller closes that
// separately once every instance has drained.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		if _, paired := g.matchmaker.Partner(ctx, c.id); paired {
			_ = c.Deliver(wire.PartnerDisconnected())
		}
		g.unregister(c) // runs on_disconnect cleanup once; the read loop's own unregister call becomes a no-op
	}
}

// ClientCount reports how many connections are currently admitted on this
// instance.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) newConnectionID() string {
	n := atomic.AddUint64(&g.nextID, 1)
	return "conn-" + strconv.FormatUint(n, 36)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
