// Package bus is the typed accessor layer over the Redis-backed message bus:
// table get/set/delete, keyspace subscription for CONFIG-side tables, a
// coalescing state-table producer/consumer for APPL-side tables, and
// notification channels for the error bus. Outside this package, only
// cmd/routeorchd imports github.com/go-redis/redis/v8 directly (for a
// *redis.PubSub).
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// DBID identifies one of the bus's logical databases.
type DBID int

// The five logical databases this engine uses. Numbers follow the SONiC
// convention for CONFIG/APPL/COUNTERS/STATE; ERROR_DB is this engine's own,
// since the error bus is modeled as a distinct logical database here.
const (
	ApplDB  DBID = 0
	CountersDB DBID = 2
	ConfigDB DBID = 4
	StateDB DBID = 6
	ErrorDB DBID = 13
)

// Op is a table delta's operation.
type Op int

const (
	// OpSet indicates a create-or-update delta.
	OpSet Op = iota
	// OpDel indicates a delete delta.
	OpDel
)

func (o Op) String() string {
	if o == OpDel {
		return "DEL"
	}
	return "SET"
}

// Separator returns "|" for CONFIG-side tables and ":" for APPL/STATE-side
// tables per spec.md §2/§6.
func Separator(db DBID) string {
	if db == ConfigDB {
		return "|"
	}
	return ":"
}

// Update is a single (key, op, fields) delta read off the bus.
type Update struct {
	Key    string
	Op     Op
	Fields map[string]string
}

// Client wraps a redis.Client bound to one logical database, plus the raw
// address so sibling clients for other DBIDs can be constructed.
type Client struct {
	redis *redis.Client
	db    DBID
	ctx   context.Context
	addr  string
}

// NewClient connects to the given logical database at addr.
func NewClient(addr string, db DBID) *Client {
	return &Client{
		redis: redis.NewClient(&redis.Options{Addr: addr, DB: int(db)}),
		db:    db,
		ctx:   context.Background(),
		addr:  addr,
	}
}

// Sibling returns a Client for the same Redis instance but a different
// logical database, e.g. going from the APPL_DB client to the STATE_DB
// client to check port readiness.
func (c *Client) Sibling(db DBID) *Client {
	return NewClient(c.addr, db)
}

// DB returns the logical database this client is bound to.
func (c *Client) DB() DBID { return c.db }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.redis.Close() }

// Raw exposes the underlying redis.Client for callers needing primitives
// this package does not wrap (e.g. Lua scripts for distributed locks).
func (c *Client) Raw() *redis.Client { return c.redis }

// Context returns the client's background context.
func (c *Client) Context() context.Context { return c.ctx }

func (c *Client) tableKey(table, key string) string {
	return fmt.Sprintf("%s%s%s", table, Separator(c.db), key)
}

// Set writes fields for table|key (or table:key). If fields is empty, a
// NULL sentinel field is written so the key still exists (matching the
// teacher's ConfigDBClient.Set convention for field-less entries).
func (c *Client) Set(table, key string, fields map[string]string) error {
	redisKey := c.tableKey(table, key)
	if len(fields) == 0 {
		return c.redis.HSet(c.ctx, redisKey, "NULL", "NULL").Err()
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.redis.HSet(c.ctx, redisKey, args...).Err()
}

// Get reads all fields for a key. Returns (nil, nil) if absent.
func (c *Client) Get(table, key string) (map[string]string, error) {
	vals, err := c.redis.HGetAll(c.ctx, c.tableKey(table, key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

// Delete removes table|key entirely.
func (c *Client) Delete(table, key string) error {
	return c.redis.Del(c.ctx, c.tableKey(table, key)).Err()
}

// Exists reports whether table|key is present.
func (c *Client) Exists(table, key string) (bool, error) {
	n, err := c.redis.Exists(c.ctx, c.tableKey(table, key)).Result()
	return n > 0, err
}

// Keys returns every key in a table (scanned, not KEYS *, to avoid blocking
// a production instance).
func (c *Client) Keys(table string) ([]string, error) {
	pattern := fmt.Sprintf("%s%s*", table, Separator(c.db))
	var out []string
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(c.ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		sep := Separator(c.db)
		for _, k := range keys {
			parts := strings.SplitN(k, sep, 2)
			if len(parts) == 2 {
				out = append(out, parts[1])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Publish fans a message out on a pub/sub channel (used by the error bus's
// ERROR_<table>_CHANNEL notifications).
func (c *Client) Publish(channel, message string) error {
	return c.redis.Publish(c.ctx, channel, message).Err()
}

// Subscribe returns a raw redis.PubSub for a channel.
func (c *Client) Subscribe(channel string) *redis.PubSub {
	return c.redis.Subscribe(c.ctx, channel)
}
