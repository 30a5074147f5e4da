// Package sss defines the Shared State Store: the thin set of ordered-list,
// hash, set, and pub/sub primitives every other broker component is built
// on top of. A Redis-backed Store and an in-memory fake both satisfy Store,
// so higher layers (queue, pair, abuse, registry) never know which one they
// are talking to.
package sss

import (
	"context"
	"time"
)

// Well-known keys shared by every component that touches the store.
// ConnectionIPsKey namespaces a hash from connection ID to its admitting
// instance's remote IP, so abuse reports can resolve a partner's IP even
// when that partner is held on a different instance.
const (
	QueueKey         = "queue"
	PairsKey         = "pairs"
	BannedIPsKey     = "banned_ips"
	LiveConnections  = "live_connections"
	ConnectionIPsKey = "connection_ips"
)

// BanDetailsKey namespaces the per-IP ban metadata hash.
func BanDetailsKey(ip string) string { return "ban_details:" + ip }

// ReportsKey namespaces the per-IP report log list.
func ReportsKey(ip string) string { return "reports:" + ip }

// Store is the full set of primitives the broker needs from the shared
// state layer. Every method is safe for concurrent use.
type Store interface {
	// ListRemove removes every occurrence of value from the list at key.
	ListRemove(ctx context.Context, key, value string) error
	// ListPushTail appends value to the tail of the list at key.
	ListPushTail(ctx context.Context, key, value string) error
	// ListPopHead removes and returns the head of the list at key. ok is
	// false when the list is empty.
	ListPopHead(ctx context.Context, key string) (value string, ok bool, err error)

	// HashSetMany writes fields into the hash at key in a single round trip.
	HashSetMany(ctx context.Context, key string, fields map[string]string) error
	// HashGet reads a single field from the hash at key.
	HashGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HashGetAll reads every field of the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// HashDeleteMany removes fields from the hash at key.
	HashDeleteMany(ctx context.Context, key string, fields ...string) error

	// SetAdd adds member to the set at key.
	SetAdd(ctx context.Context, key, member string) error
	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error
	// SetIsMember reports whether member belongs to the set at key.
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	// SetMembers returns every member of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ListAppendTTL appends value to the list at key and (re)sets its TTL,
	// returning the list's new length.
	ListAppendTTL(ctx context.Context, key, value string, ttl time.Duration) (length int64, err error)
	// ListAll returns every element of the list at key, oldest first.
	ListAll(ctx context.Context, key string) ([]string, error)
	// ListClear deletes the list at key entirely.
	ListClear(ctx context.Context, key string) error

	// Publish broadcasts payload on channel to every current subscriber.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription to channel. The caller must Close it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases any underlying connection resources.
	Close() error
}

// Subscription delivers messages published to a single channel.
type Subscription interface {
	// Messages yields published payloads until the subscription is closed.
	Messages() <-chan []byte
	Close() error
}
