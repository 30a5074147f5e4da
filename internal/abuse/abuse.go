// Package abuse implements the Abuse Controller: IP-level admission
// control, a ban set with report-triggered auto-ban, and per-connection
// action rate limiting.
package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/sss"
)

// Clock exposes the current time, overridable in tests.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

func (c clockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option customises Controller construction.
type Option func(*Controller)

// WithClock overrides the clock used for cooldown and report timestamps.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Report is a single abuse report filed against a subject IP.
type Report struct {
	ReporterConnectionID string    `json:"reporter_connection_id"`
	ReporterIP            string    `json:"reporter_ip"`
	SubjectIP             string    `json:"subject_ip"`
	Reason                string    `json:"reason"`
	Timestamp             time.Time `json:"timestamp"`
}

// Controller owns ban enforcement, report accounting, and next-cooldown
// rate limiting.
type Controller struct {
	store  sss.Store
	logger *logging.Logger
	clock  Clock

	threshold    int
	reportTTL    time.Duration
	reasonMax    int
	nextCooldown time.Duration

	bansChannel string

	banCacheMu sync.RWMutex
	banCache   map[string]struct{}

	cooldownMu sync.Mutex
	lastNext   map[string]time.Time

	onBan func(ip, reason string)
}

// Config bundles the Abuse Controller's tunables.
type Config struct {
	ReportThreshold    int
	ReportTTL          time.Duration
	ReportReasonMaxLen int
	NextCooldown       time.Duration
	BansChannel        string
}

// New constructs a Controller. onBan, if non-nil, is invoked whenever an IP
// transitions to banned, whether by a local call or a ban broadcast from
// another instance, so the gateway can force-close matching local
// connections.
func New(store sss.Store, cfg Config, onBan func(ip, reason string), logger *logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:        store,
		logger:       logger,
		clock:        systemClock{},
		threshold:    cfg.ReportThreshold,
		reportTTL:    cfg.ReportTTL,
		reasonMax:    cfg.ReportReasonMaxLen,
		nextCooldown: cfg.NextCooldown,
		bansChannel:  cfg.BansChannel,
		banCache:     make(map[string]struct{}),
		lastNext:     make(map[string]time.Time),
		onBan:        onBan,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WarmCache loads the current ban set into the local cache and subscribes
// to ban broadcasts so future bans and unbans from any instance stay
// reflected here without a store round trip per admission check.
func (c *Controller) WarmCache(ctx context.Context) error {
	members, err := c.store.SetMembers(ctx, sss.BannedIPsKey)
	if err != nil {
		return err
	}
	c.banCacheMu.Lock()
	for _, ip := range members {
		c.banCache[ip] = struct{}{}
	}
	c.banCacheMu.Unlock()

	sub, err := c.store.Subscribe(ctx, c.bansChannel)
	if err != nil {
		return err
	}
	go c.watchBans(ctx, sub)
	return nil
}

type banBroadcast struct {
	IP      string `json:"ip"`
	Reason  string `json:"reason"`
	Unban   bool   `json:"unban"`
}

func (c *Controller) watchBans(ctx context.Context, sub sss.Subscription) {
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	for raw := range sub.Messages() {
		var msg banBroadcast
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("malformed ban broadcast", logging.Error(err))
			continue
		}
		if msg.Unban {
			c.banCacheMu.Lock()
			delete(c.banCache, msg.IP)
			c.banCacheMu.Unlock()
			continue
		}
		c.banCacheMu.Lock()
		c.banCache[msg.IP] = struct{}{}
		c.banCacheMu.Unlock()
		if c.onBan != nil {
			c.onBan(msg.IP, msg.Reason)
		}
	}
}

// Admission reports whether a connection from ip should be accepted.
func (c *Controller) Admission(ctx context.Context, ip string) bool {
	c.banCacheMu.RLock()
	_, cached := c.banCache[ip]
	c.banCacheMu.RUnlock()
	if cached {
		return false
	}

	member, err := c.store.SetIsMember(ctx, sss.BannedIPsKey, ip)
	if err != nil {
		c.logger.Warn("ban membership check failed, admitting optimistically", logging.String("ip", ip), logging.Error(err))
		return true
	}
	return !member
}

// Allow enforces the per-connection next-cooldown: a connection may issue
// at most one accepted "next" per cooldown window.
func (c *Controller) Allow(id string) bool {
	now := c.clock.Now()
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	if last, ok := c.lastNext[id]; ok && now.Sub(last) < c.nextCooldown {
		return false
	}
	c.lastNext[id] = now
	return true
}

// Forget clears id's cooldown state, called on disconnect so the map
// doesn't grow unbounded across the connection's lifetime.
func (c *Controller) Forget(id string) {
	c.cooldownMu.Lock()
	delete(c.lastNext, id)
	c.cooldownMu.Unlock()
}

// Report files a report against subjectIP. It returns whether this report
// tipped the subject over the auto-ban threshold.
func (c *Controller) Report(ctx context.Context, reporterConnectionID, reporterIP, subjectIP, reason string) (banned bool, err error) {
	if reason == "" || len(reason) > c.reasonMax {
		return false, fmt.Errorf("report reason must be between 1 and %d characters", c.reasonMax)
	}

	record := Report{
		ReporterConnectionID: reporterConnectionID,
		ReporterIP:           reporterIP,
		SubjectIP:            subjectIP,
		Reason:               reason,
		Timestamp:            c.clock.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}

	count, err := c.store.ListAppendTTL(ctx, sss.ReportsKey(subjectIP), string(data), c.reportTTL)
	if err != nil {
		return false, err
	}

	if count >= int64(c.threshold) {
		if err := c.Ban(ctx, subjectIP, fmt.Sprintf("auto-ban: %d reports within %s", count, c.reportTTL)); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Ban adds ip to the ban set, records the reason, and broadcasts the ban so
// every instance closes matching local connections. The IP's report log is
// left in place.
func (c *Controller) Ban(ctx context.Context, ip, reason string) error {
	if err := c.store.SetAdd(ctx, sss.BannedIPsKey, ip); err != nil {
		return err
	}
	if err := c.store.HashSetMany(ctx, sss.BanDetailsKey(ip), map[string]string{
		"reason":    reason,
		"timestamp": c.clock.Now().Format(time.RFC3339),
	}); err != nil {
		c.logger.Warn("ban detail write failed", logging.String("ip", ip), logging.Error(err))
	}

	c.banCacheMu.Lock()
	c.banCache[ip] = struct{}{}
	c.banCacheMu.Unlock()

	if c.onBan != nil {
		c.onBan(ip, reason)
	}

	data, err := json.Marshal(banBroadcast{IP: ip, Reason: reason})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, c.bansChannel, data)
}

// Unban removes ip from the ban set and clears its ban detail and report
// history.
func (c *Controller) Unban(ctx context.Context, ip string) error {
	if err := c.store.SetRemove(ctx, sss.BannedIPsKey, ip); err != nil {
		return err
	}
	if err := c.store.HashDeleteMany(ctx, sss.BanDetailsKey(ip), "reason", "timestamp"); err != nil {
		c.logger.Warn("ban detail clear failed", logging.String("ip", ip), logging.Error(err))
	}
	if err := c.store.ListClear(ctx, sss.ReportsKey(ip)); err != nil {
		c.logger.Warn("report log clear failed", logging.String("ip", ip), logging.Error(err))
	}

	c.banCacheMu.Lock()
	delete(c.banCache, ip)
	c.banCacheMu.Unlock()

	data, err := json.Marshal(banBroadcast{IP: ip, Unban: true})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, c.bansChannel, data)
}

// ClearReports discards the report log for ip without banning it,
// exercised by the admin `/admin/clear-reports` endpoint.
func (c *Controller) ClearReports(ctx context.Context, ip string) error {
	return c.store.ListClear(ctx, sss.ReportsKey(ip))
}

// Reports returns every non-expired report currently on file for ip.
func (c *Controller) Reports(ctx context.Context, ip string) ([]Report, error) {
	raw, err := c.store.ListAll(ctx, sss.ReportsKey(ip))
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(raw))
	for _, r := range raw {
		var report Report
		if err := json.Unmarshal([]byte(r), &report); err != nil {
			c.logger.Warn("malformed report record skipped", logging.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// BanRecord describes a currently-banned IP for the admin listing.
type BanRecord struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Bans returns every currently-banned IP with its recorded reason.
func (c *Controller) Bans(ctx context.Context) ([]BanRecord, error) {
	ips, err := c.store.SetMembers(ctx, sss.BannedIPsKey)
	if err != nil {
		return nil, err
	}
	records := make([]BanRecord, 0, len(ips))
	for _, ip := range ips {
		details, err := c.store.HashGetAll(ctx, sss.BanDetailsKey(ip))
		if err != nil {
			c.logger.Warn("ban detail lookup failed", logging.String("ip", ip), logging.Error(err))
			details = nil
		}
		records = append(records, BanRecord{IP: ip, Reason: details["reason"], Timestamp: details["timestamp"]})
	}
	return records, nil
}
