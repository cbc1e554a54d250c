package bus

import (
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtron/pkg/util"
)

// Source is what a Consumer drains: either a keyspace subscriber (CONFIG
// side) or a coalescing state-table consumer (APPL side). Both give the
// Consumer a way to pop ready deltas and a channel to wait on.
type Source interface {
	// Pop drains up to batchSize ready deltas. It never blocks.
	Pop(batchSize int) ([]Update, error)
	// Ready is signaled (best-effort, may coalesce multiple events into one
	// signal) when the source likely has data for Pop.
	Ready() <-chan struct{}
	// TableName returns the table this source drains.
	TableName() string
	// Close releases subscriber resources.
	Close() error
}

// NewSource picks a keyspace subscriber or coalescing state table based on
// db, per spec.md §4.2 ("Choice is determined by the bus id of db").
func NewSource(client *Client, table string) (Source, error) {
	if client.DB() == ConfigDB {
		return newKeyspaceSubscriber(client, table)
	}
	return newCoalescingStateTable(client, table), nil
}

// --- keyspace subscriber (CONFIG side) ---------------------------------

// keyspaceSubscriber receives SET/DEL events via Redis keyspace
// notifications (bus-side `notify-keyspace-events KEA`, spec.md §6).
type keyspaceSubscriber struct {
	client  *Client
	table   string
	pubsub  *redis.PubSub
	ready   chan struct{}
	pending chan Update
	done    chan struct{}
}

func newKeyspaceSubscriber(client *Client, table string) (*keyspaceSubscriber, error) {
	pattern := "__keyspace@" + dbNum(client.DB()) + "__:*"
	ps := client.Raw().PSubscribe(client.Context(), pattern)

	s := &keyspaceSubscriber{
		client:  client,
		table:   table,
		pubsub:  ps,
		ready:   make(chan struct{}, 1),
		pending: make(chan Update, 1024),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *keyspaceSubscriber) run() {
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(msg.Payload, msg.Channel)
		case <-s.done:
			return
		}
	}
}

// handleEvent turns a keyevent notification (event name is the Redis
// command, e.g. "hset"/"del") into a table delta by re-reading the key.
func (s *keyspaceSubscriber) handleEvent(event, channel string) {
	idx := strings.Index(channel, ":")
	if idx < 0 {
		return
	}
	redisKey := channel[idx+1:]
	parts := strings.SplitN(redisKey, Separator(ConfigDB), 2)
	if len(parts) != 2 || parts[0] != s.table {
		return
	}
	key := parts[1]

	switch event {
	case "del", "expired":
		select {
		case s.pending <- Update{Key: key, Op: OpDel}:
		default:
			util.Logger.Warnf("keyspace subscriber for %s: pending buffer full, dropping DEL %s", s.table, key)
		}
	default:
		fields, err := s.client.Get(s.table, key)
		if err != nil || fields == nil {
			return
		}
		select {
		case s.pending <- Update{Key: key, Op: OpSet, Fields: fields}:
		default:
			util.Logger.Warnf("keyspace subscriber for %s: pending buffer full, dropping SET %s", s.table, key)
		}
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *keyspaceSubscriber) Pop(batchSize int) ([]Update, error) {
	var out []Update
	for len(out) < batchSize {
		select {
		case u := <-s.pending:
			out = append(out, u)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (s *keyspaceSubscriber) Ready() <-chan struct{} { return s.ready }
func (s *keyspaceSubscriber) TableName() string      { return s.table }
func (s *keyspaceSubscriber) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

// --- coalescing state table (APPL side) --------------------------------
//
// Mirrors swss's ProducerStateTable/ConsumerStateTable pair: a Redis SET
// holds the keys with a pending delta (coalescing: re-adding a key already
// in the set is a no-op), a companion hash records each pending key's op,
// and the data hash `table:key` holds the staged fields. Pop SPOPs a batch
// of keys and resolves each one's op + fields atomically enough for a
// cooperative single-writer-per-table model.

const statePollInterval = 50 * time.Millisecond

type coalescingStateTable struct {
	client *Client
	table  string

	keySetKey string
	opHashKey string

	ready chan struct{}
	done  chan struct{}
}

func newCoalescingStateTable(client *Client, table string) *coalescingStateTable {
	s := &coalescingStateTable{
		client:    client,
		table:     table,
		keySetKey: table + "_KEY_SET",
		opHashKey: table + "_OP_HASH",
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.pollLoop()
	return s
}

// pollLoop signals Ready whenever the pending-key set is non-empty. A
// dedicated poller (rather than relying solely on keyspace notifications)
// keeps this source's semantics identical regardless of whether the
// writer is this process or another one.
func (s *coalescingStateTable) pollLoop() {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.client.redis.SCard(s.client.ctx, s.keySetKey).Result()
			if err == nil && n > 0 {
				select {
				case s.ready <- struct{}{}:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *coalescingStateTable) dataKey(key string) string {
	return s.table + Separator(ApplDB) + key
}

// Write stages a SET delta for key with last-writer-wins coalescing: if a
// delta for key is already pending, the new fields win (matching the
// Consumer inbox's own merge rule one layer upstream).
func (s *coalescingStateTable) Write(key string, fields map[string]string) error {
	return producerSetScript.Run(s.client.ctx, s.client.redis,
		[]string{s.keySetKey, s.opHashKey, s.dataKey(key)},
		key, flattenFields(fields)).Err()
}

// WriteDelete stages a DEL delta for key.
func (s *coalescingStateTable) WriteDelete(key string) error {
	return producerDelScript.Run(s.client.ctx, s.client.redis,
		[]string{s.keySetKey, s.opHashKey, s.dataKey(key)},
		key).Err()
}

func (s *coalescingStateTable) Pop(batchSize int) ([]Update, error) {
	keys, err := s.client.redis.SPopN(s.client.ctx, s.keySetKey, int64(batchSize)).Result()
	if err != nil || len(keys) == 0 {
		return nil, nil
	}
	out := make([]Update, 0, len(keys))
	for _, key := range keys {
		op, _ := s.client.redis.HGet(s.client.ctx, s.opHashKey, key).Result()
		s.client.redis.HDel(s.client.ctx, s.opHashKey, key)
		if op == "DEL" {
			out = append(out, Update{Key: key, Op: OpDel})
			continue
		}
		fields, _ := s.client.redis.HGetAll(s.client.ctx, s.dataKey(key)).Result()
		out = append(out, Update{Key: key, Op: OpSet, Fields: fields})
	}
	return out, nil
}

func (s *coalescingStateTable) Ready() <-chan struct{} { return s.ready }
func (s *coalescingStateTable) TableName() string      { return s.table }
func (s *coalescingStateTable) Close() error {
	close(s.done)
	return nil
}

// Producer returns a handle for writing into an APPL/STATE-side coalescing
// table from this or any other process. It is independent from any
// Consumer this process may also run against the same table.
func (c *Client) Producer(table string) *Producer {
	return &Producer{cst: newCoalescingStateTable(c, table)}
}

// Producer writes coalescing deltas into a state table.
type Producer struct {
	cst *coalescingStateTable
}

// Set stages a SET delta.
func (p *Producer) Set(key string, fields map[string]string) error { return p.cst.Write(key, fields) }

// Delete stages a DEL delta.
func (p *Producer) Delete(key string) error { return p.cst.WriteDelete(key) }

// Close stops the producer's internal poller (it runs one even though a
// pure producer never calls Pop, to keep construction uniform).
func (p *Producer) Close() error { return p.cst.Close() }

func flattenFields(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

var producerSetScript = redis.NewScript(`
local keySet = KEYS[1]
local opHash = KEYS[2]
local dataKey = KEYS[3]
redis.call("SADD", keySet, ARGV[1])
redis.call("HSET", opHash, ARGV[1], "SET")
if #ARGV > 1 then
    redis.call("HSET", dataKey, unpack(ARGV, 2))
end
return 1
`)

var producerDelScript = redis.NewScript(`
local keySet = KEYS[1]
local opHash = KEYS[2]
local dataKey = KEYS[3]
redis.call("SADD", keySet, ARGV[1])
redis.call("HSET", opHash, ARGV[1], "DEL")
redis.call("DEL", dataKey)
return 1
`)

// dbNum renders the DBID the way SONiC's keyevent channel names expect.
func dbNum(db DBID) string {
	switch db {
	case ConfigDB:
		return "4"
	case ApplDB:
		return "0"
	case StateDB:
		return "6"
	case CountersDB:
		return "2"
	default:
		return "0"
	}
}
