// Package httpapi implements the broker's HTTP boundary: unauthenticated
// health/ICE endpoints and the shared-secret gated admin surface.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/rendezvous/signaling/internal/abuse"
	"github.com/rendezvous/signaling/internal/config"
	"github.com/rendezvous/signaling/internal/logging"
)

// AbuseController is the subset of the Abuse Controller the admin surface
// drives.
type AbuseController interface {
	Bans(ctx context.Context) ([]abuse.BanRecord, error)
	Reports(ctx context.Context, ip string) ([]abuse.Report, error)
	Ban(ctx context.Context, ip, reason string) error
	Unban(ctx context.Context, ip string) error
	ClearReports(ctx context.Context, ip string) error
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Abuse       AbuseController
	Clients     func() int
	QueueLen    func() int
	PairCount   func() int
	TURN        config.TURNConfig
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker's HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	abuse       AbuseController
	clients     func() int
	queueLen    func() int
	pairCount   func() int
	turn        config.TURNConfig
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	startedAt   time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		abuse:       opts.Abuse,
		clients:     opts.Clients,
		queueLen:    opts.QueueLen,
		pairCount:   opts.PairCount,
		turn:        opts.TURN,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		startedAt:   now(),
	}
}

// Register attaches every handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthzHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/ice", h.ICEHandler())
	mux.HandleFunc("/admin/stats", h.AdminStatsHandler())
	mux.HandleFunc("/admin/reports", h.AdminReportsHandler())
	mux.HandleFunc("/admin/bans", h.AdminBansHandler())
	mux.HandleFunc("/admin/ban", h.AdminBanHandler())
	mux.HandleFunc("/admin/unban", h.AdminUnbanHandler())
	mux.HandleFunc("/admin/clear-reports", h.AdminClearReportsHandler())
}

// HealthzHandler reports that the HTTP server is reachable.
func (h *HandlerSet) HealthzHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "ok",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// MetricsHandler emits Prometheus compatible text metrics for the broker's
// live connection, queue, and pairing counts.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var clients, queued, pairs int
		if h.clients != nil {
			clients = h.clients()
		}
		if h.queueLen != nil {
			queued = h.queueLen()
		}
		if h.pairCount != nil {
			pairs = h.pairCount()
		}
		uptime := h.now().Sub(h.startedAt).Seconds()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP rendezvous_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_uptime_seconds gauge\n")
		fmt.Fprintf(w, "rendezvous_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP rendezvous_clients Current connected WebSocket clients on this instance.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_clients gauge\n")
		fmt.Fprintf(w, "rendezvous_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP rendezvous_queue_length Connections currently waiting for a partner.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_queue_length gauge\n")
		fmt.Fprintf(w, "rendezvous_queue_length %d\n", queued)

		fmt.Fprintf(w, "# HELP rendezvous_pairs Currently bound connection pairs.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_pairs gauge\n")
		fmt.Fprintf(w, "rendezvous_pairs %d\n", pairs)
	}
}

// ICEHandler returns the configured STUN/TURN server list for clients to
// bootstrap their WebRTC peer connections with.
func (h *HandlerSet) ICEHandler() http.HandlerFunc {
	type iceServer struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}
	type response struct {
		ICEServers []iceServer `json:"iceServers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{}
		if len(h.turn.URLs) > 0 {
			resp.ICEServers = append(resp.ICEServers, iceServer{
				URLs:       h.turn.URLs,
				Username:   h.turn.Username,
				Credential: h.turn.Credential,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// AdminStatsHandler reports connected client, queue, and pair counts.
func (h *HandlerSet) AdminStatsHandler() http.HandlerFunc {
	type response struct {
		Clients int `json:"clients"`
		Queued  int `json:"queued"`
		Pairs   int `json:"pairs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAdmin(w, r, "admin_stats") {
			return
		}
		resp := response{}
		if h.clients != nil {
			resp.Clients = h.clients()
		}
		if h.queueLen != nil {
			resp.Queued = h.queueLen()
		}
		if h.pairCount != nil {
			resp.Pairs = h.pairCount()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// AdminReportsHandler lists on-file reports for a subject IP. Passing
// ?compress=1 streams the JSON body through flate instead of plain text,
// useful for large report logs pulled by an admin tool over a slow link.
func (h *HandlerSet) AdminReportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAdmin(w, r, "admin_reports") {
			return
		}
		ip := strings.TrimSpace(r.URL.Query().Get("ip"))
		if ip == "" {
			http.Error(w, "ip query parameter is required", http.StatusBadRequest)
			return
		}
		reports, err := h.abuse.Reports(r.Context(), ip)
		if err != nil {
			h.logger.Error("admin reports lookup failed", logging.String("ip", ip), logging.Error(err))
			http.Error(w, "failed to load reports", http.StatusInternalServerError)
			return
		}

		if r.URL.Query().Get("compress") == "1" {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", "deflate")
			fw, err := flate.NewWriter(w, flate.DefaultCompression)
			if err != nil {
				http.Error(w, "compression unavailable", http.StatusInternalServerError)
				return
			}
			defer fw.Close()
			_ = json.NewEncoder(fw).Encode(reports)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

// AdminBansHandler lists every currently-banned IP.
func (h *HandlerSet) AdminBansHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAdmin(w, r, "admin_bans") {
			return
		}
		bans, err := h.abuse.Bans(r.Context())
		if err != nil {
			h.logger.Error("admin bans lookup failed", logging.Error(err))
			http.Error(w, "failed to load bans", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, bans)
	}
}

type banRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// AdminBanHandler manually bans an IP.
func (h *HandlerSet) AdminBanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requirePost(w, r) || !h.requireAdmin(w, r, "admin_ban") || !h.requireRateLimit(w, r, "admin_ban") {
			return
		}
		var req banRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IP) == "" {
			http.Error(w, "ip is required", http.StatusBadRequest)
			return
		}
		if err := h.abuse.Ban(r.Context(), req.IP, req.Reason); err != nil {
			h.logger.Error("admin ban failed", logging.String("ip", req.IP), logging.Error(err))
			http.Error(w, "failed to ban IP", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
	}
}

type ipRequest struct {
	IP string `json:"ip"`
}

// AdminUnbanHandler lifts a ban on an IP.
func (h *HandlerSet) AdminUnbanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requirePost(w, r) || !h.requireAdmin(w, r, "admin_unban") {
			return
		}
		var req ipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IP) == "" {
			http.Error(w, "ip is required", http.StatusBadRequest)
			return
		}
		if err := h.abuse.Unban(r.Context(), req.IP); err != nil {
			h.logger.Error("admin unban failed", logging.String("ip", req.IP), logging.Error(err))
			http.Error(w, "failed to unban IP", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
	}
}

// AdminClearReportsHandler discards the report log for an IP without
// banning it.
func (h *HandlerSet) AdminClearReportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requirePost(w, r) || !h.requireAdmin(w, r, "admin_clear_reports") {
			return
		}
		var req ipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IP) == "" {
			http.Error(w, "ip is required", http.StatusBadRequest)
			return
		}
		if err := h.abuse.ClearReports(r.Context(), req.IP); err != nil {
			h.logger.Error("admin clear-reports failed", logging.String("ip", req.IP), logging.Error(err))
			http.Error(w, "failed to clear reports", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func (h *HandlerSet) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *HandlerSet) requireAdmin(w http.ResponseWriter, r *http.Request, handler string) bool {
	reqLogger := h.logger.With(logging.String("handler", handler), logging.String("remote_addr", r.RemoteAddr))
	if h.adminToken == "" {
		reqLogger.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		reqLogger.Warn("admin request denied: unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *HandlerSet) requireRateLimit(w http.ResponseWriter, r *http.Request, handler string) bool {
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		h.logger.Warn("admin request denied: rate limit exceeded", logging.String("handler", handler))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
