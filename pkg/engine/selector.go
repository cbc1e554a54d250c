package engine

import (
	"reflect"
	"time"

	"github.com/newtron-network/newtron/pkg/util"
)

// DefaultSelectTimeout is the selector's periodic-wake timeout (spec.md §5:
// "default 1s").
const DefaultSelectTimeout = time.Second

// Selector is the wait-on-many primitive: it blocks on every registered
// Consumer's waitable plus a periodic timer, and drives Orch.DrainReady or
// Orch.DoTask accordingly. Each daemon runs exactly one Selector over its
// one Orch, in a single-threaded cooperative loop (spec.md §5) — no handler
// may suspend, so Run never dispatches two tables concurrently.
type Selector struct {
	orch    *Orch
	timeout time.Duration
}

// NewSelector builds a Selector over orch with the given wake-up timeout.
func NewSelector(orch *Orch, timeout time.Duration) *Selector {
	if timeout <= 0 {
		timeout = DefaultSelectTimeout
	}
	return &Selector{orch: orch, timeout: timeout}
}

// Run blocks until stop is closed. On each iteration it waits for any
// Consumer to become ready or for the timeout to elapse; on a Consumer
// wake-up it also polls every other Consumer non-blockingly so a batch of
// simultaneously-ready tables drains in one pass, in priority order.
func (s *Selector) Run(stop <-chan struct{}) error {
	for {
		selectables := s.orch.Selectables()
		tables := make([]string, 0, len(selectables))
		cases := make([]reflect.SelectCase, 0, len(selectables)+2)
		for table, ch := range selectables {
			tables = append(tables, table)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
		}
		timeoutIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(time.After(s.timeout))})
		stopIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(stop)})

		chosen, _, _ := reflect.Select(cases)

		switch chosen {
		case stopIdx:
			return nil
		case timeoutIdx:
			s.orch.DoTask()
		default:
			ready := map[string]bool{tables[chosen]: true}
			for i, table := range tables {
				if i == chosen {
					continue
				}
				select {
				case <-selectables[table]:
					ready[table] = true
				default:
				}
			}
			if err := s.orch.DrainReady(ready); err != nil {
				util.Logger.Errorf("selector: drain failed: %v", err)
			}
		}
	}
}
