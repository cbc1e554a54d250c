// Package engine is the Orch base and selector loop shared by every
// reconciler daemon: it multiplexes Consumers, sequences dispatch by static
// per-table priority, and drives both event-triggered and periodic
// doTask sweeps.
package engine

import (
	"sort"
	"sync"

	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/util"
)

// DefaultBatchSize is the default B from spec.md §4.2.
const DefaultBatchSize = 128

// TaskHandler is implemented by a reconciler for one table. DoTask is
// invoked once per wake-up with the table's Consumer (already merged with
// the cycle's popped deltas); the handler walks c.ForEach and settles,
// defers, or invalidates each entry.
type TaskHandler interface {
	DoTask(c *consumer.Consumer)
}

// TaskHandlerFunc adapts a plain function to TaskHandler.
type TaskHandlerFunc func(c *consumer.Consumer)

func (f TaskHandlerFunc) DoTask(c *consumer.Consumer) { f(c) }

type registration struct {
	consumer *consumer.Consumer
	handler  TaskHandler
	priority int
}

// Orch is the engine base: owns a set of Consumers plus the handler
// registered against each, and sequences dispatch across them.
type Orch struct {
	clients map[bus.DBID]*bus.Client

	mu   sync.Mutex
	regs map[string]*registration // keyed by table name
}

// NewOrch builds an engine bound to one Client per logical database the
// daemon will touch. Callers typically pass all four (config/appl/state/
// error) even if a given daemon only consumes a subset of tables from each.
func NewOrch(clients map[bus.DBID]*bus.Client) *Orch {
	return &Orch{
		clients: clients,
		regs:    make(map[string]*registration),
	}
}

// Client returns the bound client for a logical database, or nil if this
// Orch was not given one.
func (o *Orch) Client(db bus.DBID) *bus.Client { return o.clients[db] }

// AddConsumer constructs a Consumer for table on db — a keyspace
// subscription for CONFIG-side tables, a coalescing state-table
// subscription otherwise (spec.md §4.2) — and registers handler to drive it
// at the given static priority (higher drains first on a shared wake-up).
func (o *Orch) AddConsumer(db bus.DBID, table string, priority int, handler TaskHandler) (*consumer.Consumer, error) {
	client := o.clients[db]
	if client == nil {
		client = bus.NewClient("", db)
	}
	src, err := bus.NewSource(client, table)
	if err != nil {
		return nil, err
	}
	c := consumer.New(db, table, src)

	o.mu.Lock()
	o.regs[table] = &registration{consumer: c, handler: handler, priority: priority}
	o.mu.Unlock()

	return c, nil
}

// SyncFromTable replays the entire current content of a CONFIG/APPL-side
// table into its Consumer's inbox as a batch of SET deltas, the startup
// behavior every daemon needs because persisted state lives only on the
// bus (spec.md §6): a restart must reconstruct its view from scratch
// rather than only the delta stream going forward.
func (o *Orch) SyncFromTable(table string) error {
	o.mu.Lock()
	reg, ok := o.regs[table]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	client := o.clients[reg.consumer.DB()]
	if client == nil {
		return nil
	}
	keys, err := client.Keys(table)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fields, err := client.Get(table, key)
		if err != nil || fields == nil {
			continue
		}
		reg.consumer.Merge(key, bus.Update{Op: bus.OpSet, Fields: fields})
	}
	util.WithField("table", table).Infof("synced %d existing entries from bus", len(keys))
	return nil
}

// Selectables returns every registered Consumer's waitable, for the selector
// loop to block on.
func (o *Orch) Selectables() map[string]<-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]<-chan struct{}, len(o.regs))
	for table, reg := range o.regs {
		out[table] = reg.consumer.Selectable()
	}
	return out
}

// orderedTables returns registered table names sorted by descending
// priority, then name, for deterministic same-wake-up dispatch order.
func (o *Orch) orderedTables() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	tables := make([]string, 0, len(o.regs))
	for t := range o.regs {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool {
		pi, pj := o.regs[tables[i]].priority, o.regs[tables[j]].priority
		if pi != pj {
			return pi > pj
		}
		return tables[i] < tables[j]
	})
	return tables
}

// Execute is called by the daemon loop when table's Consumer signals ready.
// Protocol (spec.md §4.2): pop up to DefaultBatchSize deltas, merge each
// into the inbox, then invoke the handler's DoTask if the inbox is
// non-empty.
func (o *Orch) Execute(table string) error {
	o.mu.Lock()
	reg, ok := o.regs[table]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	deltas, err := reg.consumer.Pop(DefaultBatchSize)
	if err != nil {
		return err
	}
	reg.consumer.MergeBatch(deltas)

	if !reg.consumer.Empty() {
		reg.handler.DoTask(reg.consumer)
	}
	return nil
}

// DrainReady runs Execute for every table in ready, in descending-priority
// order, so that when two Consumers signal ready on the same wake-up the
// higher-priority one's doTask fully completes before the lower-priority
// one's starts (spec.md §8 "Priority ordering").
func (o *Orch) DrainReady(ready map[string]bool) error {
	for _, table := range o.orderedTables() {
		if !ready[table] {
			continue
		}
		if err := o.Execute(table); err != nil {
			return err
		}
	}
	return nil
}

// DoTask is the no-arg periodic sweep from the selector's timeout branch:
// every Consumer whose inbox is non-empty gets another DoTask call so
// deferred (need-retry) entries make forward progress even with no new
// bus events.
func (o *Orch) DoTask() {
	for _, table := range o.orderedTables() {
		o.mu.Lock()
		reg := o.regs[table]
		o.mu.Unlock()
		if reg == nil || reg.consumer.Empty() {
			continue
		}
		reg.handler.DoTask(reg.consumer)
	}
}

// EnableRecording turns on the audit hook for every registered Consumer.
func (o *Orch) EnableRecording(dir string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, reg := range o.regs {
		if err := reg.consumer.EnableRecording(dir); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down every registered Consumer's source.
func (o *Orch) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for _, reg := range o.regs {
		if err := reg.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
